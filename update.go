package datalist

import (
	"fmt"
)

// Action is the kind of structural change an [Update] describes.
type Action int

const (
	// ActionReset means the whole list may have changed.
	ActionReset Action = iota
	// ActionAdd means Count items were inserted at Index.
	ActionAdd
	// ActionRemove means Count items were removed starting at Index.
	ActionRemove
)

func (a Action) String() string {
	switch a {
	case ActionReset:
		return "Reset"
	case ActionAdd:
		return "Add"
	case ActionRemove:
		return "Remove"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Update describes a structural change to a list. Updates are plain values
// and compare with ==.
type Update struct {
	Action Action
	Index  int
	Count  int
}

// NewReset returns a Reset update.
func NewReset() Update {
	return Update{Action: ActionReset}
}

// NewAdd returns an Add update for count items inserted at index.
func NewAdd(index, count int) (Update, error) {
	u := Update{Action: ActionAdd, Index: index, Count: count}
	return u, u.Validate()
}

// NewRemove returns a Remove update for count items removed at index.
func NewRemove(index, count int) (Update, error) {
	u := Update{Action: ActionRemove, Index: index, Count: count}
	return u, u.Validate()
}

// MustAdd is like [NewAdd] but panics on invalid arguments.
func MustAdd(index, count int) Update {
	u, err := NewAdd(index, count)
	if err != nil {
		panic(err)
	}
	return u
}

// MustRemove is like [NewRemove] but panics on invalid arguments.
func MustRemove(index, count int) Update {
	u, err := NewRemove(index, count)
	if err != nil {
		panic(err)
	}
	return u
}

// Validate reports whether u is well formed. A Reset carries neither index
// nor count; Add and Remove need a non-negative index and a positive count.
func (u Update) Validate() error {
	switch u.Action {
	case ActionReset:
		if u.Index != 0 || u.Count != 0 {
			return fmt.Errorf("%w: reset carries index %d, count %d", ErrInvalidArgument, u.Index, u.Count)
		}
		return nil
	case ActionAdd, ActionRemove:
		if u.Index < 0 {
			return outOfRange("index", u.Index)
		}
		if u.Count <= 0 {
			return outOfRange("count", u.Count)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown action %d", ErrInvalidArgument, int(u.Action))
	}
}

func (u Update) String() string {
	if u.Action == ActionReset {
		return "Reset"
	}
	return fmt.Sprintf("%s(%d, %d)", u.Action, u.Index, u.Count)
}
