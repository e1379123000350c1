package history

import (
	"github.com/moovcs/vcsd/pkg/objdump"
)

// ChangeStatus classifies how a verb or property differs between two
// object revisions.
type ChangeStatus string

const (
	StatusAdded    ChangeStatus = "added"
	StatusModified ChangeStatus = "modified"
	StatusDeleted  ChangeStatus = "deleted"
)

// VerbDiff is one verb's classification plus, for an added/modified/
// deleted verb, its decompiled line-level hunks.
type VerbDiff struct {
	Name   string
	Status ChangeStatus
	Hunks  []Hunk
}

// PropertyDiff is one property's classification and, for a modified
// property, its old and new values.
type PropertyDiff struct {
	Name     string
	Status   ChangeStatus
	OldValue string
	NewValue string
}

// ObjectDiff is the full comparison between two revisions of one object,
// the unit the history/diff operations return to callers.
type ObjectDiff struct {
	Name       string
	OldParent  string
	NewParent  string
	Properties []PropertyDiff
	Verbs      []VerbDiff
}

// DiffObjects compares oldDump against newDump, either of which may be
// empty to mean "the object did not exist at that revision" (so every
// verb/property in the other revision is reported wholly added or wholly
// deleted). Ignored properties and verbs, per the object's meta sidecar,
// are the caller's responsibility to filter out of the returned slices
// before presenting a diff, since ignoring is a display-time policy, not
// a property of the revisions themselves.
func DiffObjects(codec objdump.Codec, oldDump, newDump string) (*ObjectDiff, error) {
	var oldDef, newDef *objdump.Definition
	var err error
	if oldDump != "" {
		oldDef, err = codec.Parse(oldDump)
		if err != nil {
			return nil, err
		}
	}
	if newDump != "" {
		newDef, err = codec.Parse(newDump)
		if err != nil {
			return nil, err
		}
	}

	result := &ObjectDiff{}
	if newDef != nil {
		result.Name = newDef.Name
		result.NewParent = newDef.Parent
	} else if oldDef != nil {
		result.Name = oldDef.Name
	}
	if oldDef != nil {
		result.OldParent = oldDef.Parent
	}

	oldProps := map[string]objdump.PropertyDef{}
	if oldDef != nil {
		for _, p := range oldDef.Properties {
			oldProps[p.Name] = p
		}
	}
	newProps := map[string]objdump.PropertyDef{}
	if newDef != nil {
		for _, p := range newDef.Properties {
			newProps[p.Name] = p
		}
	}
	// Walk the definitions' own ordered slices, not the lookup maps, so
	// the diff output is stable across runs.
	if newDef != nil {
		for _, np := range newDef.Properties {
			if op, ok := oldProps[np.Name]; ok {
				if op.Value != np.Value {
					result.Properties = append(result.Properties, PropertyDiff{
						Name: np.Name, Status: StatusModified, OldValue: op.Value, NewValue: np.Value,
					})
				}
				continue
			}
			result.Properties = append(result.Properties, PropertyDiff{Name: np.Name, Status: StatusAdded, NewValue: np.Value})
		}
	}
	if oldDef != nil {
		for _, op := range oldDef.Properties {
			if _, ok := newProps[op.Name]; !ok {
				result.Properties = append(result.Properties, PropertyDiff{Name: op.Name, Status: StatusDeleted, OldValue: op.Value})
			}
		}
	}

	oldVerbs := map[string]objdump.VerbDef{}
	if oldDef != nil {
		for _, v := range oldDef.Verbs {
			oldVerbs[v.FirstName()] = v
		}
	}
	newVerbs := map[string]objdump.VerbDef{}
	if newDef != nil {
		for _, v := range newDef.Verbs {
			newVerbs[v.FirstName()] = v
		}
	}

	if newDef != nil {
		for _, nv := range newDef.Verbs {
			name := nv.FirstName()
			ov, existed := oldVerbs[name]
			var oldLines, newLines []string
			if existed {
				oldLines, err = codec.DecompileVerb(ov)
				if err != nil {
					return nil, err
				}
			}
			newLines, err = codec.DecompileVerb(nv)
			if err != nil {
				return nil, err
			}

			diffLines := DiffLines(oldLines, newLines)
			if !existed {
				result.Verbs = append(result.Verbs, VerbDiff{Name: name, Status: StatusAdded, Hunks: GenerateHunks(diffLines)})
				continue
			}
			if !linesChanged(diffLines) {
				continue
			}
			result.Verbs = append(result.Verbs, VerbDiff{Name: name, Status: StatusModified, Hunks: GenerateHunks(diffLines)})
		}
	}
	if oldDef != nil {
		for _, ov := range oldDef.Verbs {
			name := ov.FirstName()
			if _, ok := newVerbs[name]; ok {
				continue
			}
			oldLines, err := codec.DecompileVerb(ov)
			if err != nil {
				return nil, err
			}
			diffLines := DiffLines(oldLines, nil)
			result.Verbs = append(result.Verbs, VerbDiff{Name: name, Status: StatusDeleted, Hunks: GenerateHunks(diffLines)})
		}
	}

	return result, nil
}

func linesChanged(lines []DiffLine) bool {
	for _, l := range lines {
		if l.Type != LineUnchanged {
			return true
		}
	}
	return false
}
