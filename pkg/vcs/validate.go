package vcs

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Validate checks the structural invariants an ObjectInfo must hold
// wherever it is persisted: a non-empty name under a known object type.
// Version is not checked here — a zero version is legitimate for an
// ObjectInfo that only identifies a (type, name) pair, e.g. a RenamePair's
// To field before the ref index has assigned it one.
func (o ObjectInfo) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.Name, validation.Required),
		validation.Field(&o.Type, validation.In(MooObject, MooMetaObject)),
	)
}

// Validate checks the structural invariants a Change record must hold
// before it is persisted:
// a non-empty id, a known lifecycle status, and every ObjectInfo in its
// added/modified/deleted sets individually valid. Name/description/author
// are deliberately NOT required here: auto-creation makes a Local change
// with empty metadata on the first mutation, populated only later by
// change/submit.
func (c *Change) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.ID, validation.Required),
		validation.Field(&c.Status, validation.In(StatusLocal, StatusIdle, StatusReview, StatusMerged)),
	); err != nil {
		return err
	}
	for _, set := range [][]ObjectInfo{c.AddedObjects, c.ModifiedObjects, c.DeletedObjects} {
		for _, info := range set {
			if err := info.Validate(); err != nil {
				return err
			}
		}
	}
	for _, pair := range c.RenamedObjects {
		if err := pair.From.Validate(); err != nil {
			return err
		}
		if err := pair.To.Validate(); err != nil {
			return err
		}
	}
	return nil
}
