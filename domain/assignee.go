package domain

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// AssigneeKind tags which variant an AssignedTo value holds.
type AssigneeKind uint8

const (
	Unassigned AssigneeKind = iota
	ByReference
	Resolved
)

func (k AssigneeKind) String() string {
	switch k {
	case ByReference:
		return "by-reference"
	case Resolved:
		return "resolved"
	default:
		return "unassigned"
	}
}

// AssignedTo is either nobody, a bare user id, or a fully loaded user.
// The zero value is Unassigned.
type AssignedTo struct {
	kind   AssigneeKind
	userID string
	user   User
}

func NoAssignee() AssignedTo { return AssignedTo{} }

func AssigneeRef(userID string) AssignedTo {
	if userID == "" {
		return AssignedTo{}
	}
	return AssignedTo{kind: ByReference, userID: userID}
}

func AssigneeUser(u User) AssignedTo {
	return AssignedTo{kind: Resolved, userID: u.ID, user: u}
}

func (a AssignedTo) Kind() AssigneeKind { return a.kind }

// UserID is empty only for Unassigned.
func (a AssignedTo) UserID() string { return a.userID }

// User returns the loaded user for the Resolved variant.
func (a AssignedTo) User() (User, bool) {
	if a.kind != Resolved {
		return User{}, false
	}
	return a.user, true
}

// Resolve upgrades a ByReference value using lookup. Other variants, and ids the
// lookup does not know, are returned unchanged.
func (a AssignedTo) Resolve(lookup func(id string) (User, bool)) AssignedTo {
	if a.kind != ByReference || lookup == nil {
		return a
	}
	u, ok := lookup(a.userID)
	if !ok {
		return a
	}
	if u.ID == "" {
		u.ID = a.userID
	}
	return AssigneeUser(u)
}

func (a AssignedTo) MarshalJSON() ([]byte, error) {
	switch a.kind {
	case ByReference:
		return sonic.Marshal(a.userID)
	case Resolved:
		return sonic.Marshal(a.user)
	default:
		return []byte("null"), nil
	}
}

var errBadAssignee = errors.New("assignedTo must be null, a user id or a user object")

// UnmarshalJSON accepts the three shapes the backend emits for assignedTo.
func (a *AssignedTo) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = AssignedTo{}
		return nil
	}
	switch data[0] {
	case '"':
		var id string
		if err := sonic.Unmarshal(data, &id); err != nil {
			return fmt.Errorf("assignedTo: %w", err)
		}
		*a = AssigneeRef(id)
		return nil
	case '{':
		var u User
		if err := sonic.Unmarshal(data, &u); err != nil {
			return fmt.Errorf("assignedTo: %w", err)
		}
		if u.ID == "" {
			return errBadAssignee
		}
		*a = AssigneeUser(u)
		return nil
	default:
		return errBadAssignee
	}
}
