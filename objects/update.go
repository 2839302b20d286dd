package objects

import (
	"fmt"
)

type UpdateType int

const (
	Registered UpdateType = iota
	Unregistered
)

func (t UpdateType) String() string {
	if t == Registered {
		return "registered"
	}
	return "unregistered"
}

// Update represents a change to the set of objects on the remote server
type Update struct {
	Type   UpdateType
	Object string
}

func (u Update) String() string {
	return fmt.Sprintf("%v %v", u.Type, u.Object)
}

// Helper functions to create Updates

func NewRegistered(object string) Update {
	return Update{Type: Registered, Object: object}
}

func NewUnregistered(object string) Update {
	return Update{Type: Unregistered, Object: object}
}

type UpdateSorter []Update

func (u UpdateSorter) Len() int      { return len(u) }
func (u UpdateSorter) Swap(i, j int) { u[i], u[j] = u[j], u[i] }
func (u UpdateSorter) Less(i, j int) bool {
	if u[i].Type != u[j].Type {
		return u[i].Type < u[j].Type
	}
	return u[i].Object < u[j].Object
}
