// Package metacodec handles the per-object "meta" sidecar: which of an
// object's properties and verbs are ignored by the diff/merge pipeline,
// serialised as YAML (gopkg.in/yaml.v3) with sorted keys.
package metacodec

import (
	"sort"

	"github.com/moovcs/vcsd/pkg/vcserr"
	"gopkg.in/yaml.v3"
)

// Meta is the ignore list attached to one object.
type Meta struct {
	IgnoredProperties []string `yaml:"ignored_properties,omitempty"`
	IgnoredVerbs      []string `yaml:"ignored_verbs,omitempty"`
}

// IsEmpty reports whether neither list has any entries, which lets callers
// skip persisting an empty meta sidecar.
func (m *Meta) IsEmpty() bool {
	return len(m.IgnoredProperties) == 0 && len(m.IgnoredVerbs) == 0
}

// IgnoresProperty reports whether name is in the ignored-properties list.
func (m *Meta) IgnoresProperty(name string) bool {
	for _, p := range m.IgnoredProperties {
		if p == name {
			return true
		}
	}
	return false
}

// IgnoresVerb reports whether name is in the ignored-verbs list.
func (m *Meta) IgnoresVerb(name string) bool {
	for _, v := range m.IgnoredVerbs {
		if v == name {
			return true
		}
	}
	return false
}

// IgnoreProperty adds name to the ignored-properties list if not already
// present, keeping the list sorted so Encode output is deterministic.
func (m *Meta) IgnoreProperty(name string) {
	if m.IgnoresProperty(name) {
		return
	}
	m.IgnoredProperties = append(m.IgnoredProperties, name)
	sort.Strings(m.IgnoredProperties)
}

// UnignoreProperty removes name from the ignored-properties list.
func (m *Meta) UnignoreProperty(name string) {
	m.IgnoredProperties = removeString(m.IgnoredProperties, name)
}

// IgnoreVerb adds name to the ignored-verbs list if not already present.
func (m *Meta) IgnoreVerb(name string) {
	if m.IgnoresVerb(name) {
		return
	}
	m.IgnoredVerbs = append(m.IgnoredVerbs, name)
	sort.Strings(m.IgnoredVerbs)
}

// UnignoreVerb removes name from the ignored-verbs list.
func (m *Meta) UnignoreVerb(name string) {
	m.IgnoredVerbs = removeString(m.IgnoredVerbs, name)
}

func removeString(set []string, name string) []string {
	out := set[:0]
	for _, s := range set {
		if s != name {
			out = append(out, s)
		}
	}
	return out
}

// Encode serialises m to YAML.
func Encode(m *Meta) ([]byte, error) {
	out, err := yaml.Marshal(m)
	if err != nil {
		return nil, vcserr.Wrap(vcserr.KindParseError, err, "encode meta")
	}
	return out, nil
}

// Decode parses YAML into a Meta.
func Decode(data []byte) (*Meta, error) {
	var m Meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, vcserr.Wrap(vcserr.KindParseError, err, "decode meta")
	}
	return &m, nil
}
