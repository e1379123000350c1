package vcs

// Change is a named grouping of mutations. At most one Local change may
// exist system-wide; changes of every status are stored by the change
// log, and Merged changes also appear in change_order.
type Change struct {
	ID          string
	Name        string
	Description string
	Author      string
	Timestamp   int64
	Status      Status

	AddedObjects    []ObjectInfo
	ModifiedObjects []ObjectInfo
	DeletedObjects  []ObjectInfo
	RenamedObjects  []RenamePair

	// IndexChangeID is the id on the source peer this change mirrors, for
	// a change created as a pull/clone projection. Empty otherwise.
	IndexChangeID string
}

// NewChange returns a blank Local change with empty sets, as auto-created
// on the first mutation when no active change exists.
func NewChange(id, author string, timestamp int64) *Change {
	return &Change{
		ID:        id,
		Author:    author,
		Timestamp: timestamp,
		Status:    StatusLocal,
	}
}

// FindAdded/FindModified/FindDeleted/FindRenamedFrom locate an object by
// name in the respective set. Each name appears in at most one of
// {added, modified, deleted} at a time. Exported since
// pkg/objhandler, the component that actually drives these transitions,
// lives in its own package.

func (c *Change) FindAdded(typ ObjectType, name string) (int, bool) {
	return indexOfInfo(c.AddedObjects, typ, name)
}

func (c *Change) FindModified(typ ObjectType, name string) (int, bool) {
	return indexOfInfo(c.ModifiedObjects, typ, name)
}

func (c *Change) FindDeleted(typ ObjectType, name string) (int, bool) {
	return indexOfInfo(c.DeletedObjects, typ, name)
}

func (c *Change) FindRenamedFrom(typ ObjectType, name string) (int, bool) {
	for i, r := range c.RenamedObjects {
		if r.From.Type == typ && r.From.Name == name {
			return i, true
		}
	}
	return -1, false
}

func indexOfInfo(set []ObjectInfo, typ ObjectType, name string) (int, bool) {
	for i, o := range set {
		if o.Type == typ && o.Name == name {
			return i, true
		}
	}
	return -1, false
}

// RemoveAdded/RemoveModified/RemoveDeleted/RemoveRenamed delete the
// matching entry, preserving the relative order of the remaining entries.

func (c *Change) RemoveAdded(i int) ObjectInfo {
	o := c.AddedObjects[i]
	c.AddedObjects = append(c.AddedObjects[:i], c.AddedObjects[i+1:]...)
	return o
}

func (c *Change) RemoveModified(i int) ObjectInfo {
	o := c.ModifiedObjects[i]
	c.ModifiedObjects = append(c.ModifiedObjects[:i], c.ModifiedObjects[i+1:]...)
	return o
}

func (c *Change) RemoveDeleted(i int) ObjectInfo {
	o := c.DeletedObjects[i]
	c.DeletedObjects = append(c.DeletedObjects[:i], c.DeletedObjects[i+1:]...)
	return o
}

func (c *Change) RemoveRenamed(i int) RenamePair {
	r := c.RenamedObjects[i]
	c.RenamedObjects = append(c.RenamedObjects[:i], c.RenamedObjects[i+1:]...)
	return r
}

// Touches reports whether name is referenced anywhere in the change's sets
// under the given object type (used by the update/delete/rename pipeline
// to decide which update branch applies).
func (c *Change) Touches(typ ObjectType, name string) bool {
	if _, ok := c.FindAdded(typ, name); ok {
		return true
	}
	if _, ok := c.FindModified(typ, name); ok {
		return true
	}
	if _, ok := c.FindDeleted(typ, name); ok {
		return true
	}
	if _, ok := c.FindRenamedFrom(typ, name); ok {
		return true
	}
	return false
}

// IsEmpty reports whether the change has no recorded mutations at all,
// which happens when a rename and its inverse cancel out within the same
// change.
func (c *Change) IsEmpty() bool {
	return len(c.AddedObjects) == 0 &&
		len(c.ModifiedObjects) == 0 &&
		len(c.DeletedObjects) == 0 &&
		len(c.RenamedObjects) == 0
}

// AllReferencedHashes-relevant blob reachability is computed by callers
// that have access to the ref index (ObjectInfo alone doesn't carry a
// hash); Change only exposes the ObjectInfo sets themselves.
