/*
Package user contains the identity record shared by the relay, the identity store and
the client presence model.

A User is resolved by display name. Its durable id is assigned by the identity store,
while the client id is chosen by the connecting client and is present from the start.
*/
package user

import (
	"errors"
	"maps"
	"sort"
	"strings"
)

var (
	// ErrClientIDRequired is returned when an identity is built without a client id.
	ErrClientIDRequired = errors.New("client id required")

	// ErrNameRequired is returned when an identity is built with an empty display name.
	ErrNameRequired = errors.New("display name required")
)

// Attributes is the opaque presentation bag of a user (avatar position, colors, image key).
type Attributes map[string]string

// Clone returns an independent copy; nil stays nil.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	return maps.Clone(a)
}

// User is the full identity record.
type User struct {
	// DurableID is assigned by the identity store; empty until persisted.
	DurableID string `json:"durable_id,omitempty"`

	// ClientID is the ephemeral id chosen by the client before a durable id exists.
	ClientID string `json:"client_id"`

	// DisplayName is the unique resolution key.
	DisplayName string `json:"display_name"`

	// Attributes holds presentation data and may change after creation.
	Attributes Attributes `json:"presentation_attributes,omitempty"`

	// IsOnline is owned by the relay and never taken from client input.
	IsOnline bool `json:"is_online"`
}

// New validates and builds a not-yet-persisted identity.
func New(clientID, displayName string, attrs Attributes) (User, error) {
	if clientID == "" {
		return User{}, ErrClientIDRequired
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return User{}, ErrNameRequired
	}

	return User{
		ClientID:    clientID,
		DisplayName: displayName,
		Attributes:  attrs.Clone(),
	}, nil
}

// Clone returns a copy that shares no maps with u.
func (u User) Clone() User {
	u.Attributes = u.Attributes.Clone()
	return u
}

// Presentable returns the roster projection of u.
func (u User) Presentable() Presentable {
	return Presentable{
		DurableID:   u.DurableID,
		DisplayName: u.DisplayName,
		Attributes:  u.Attributes.Clone(),
		IsOnline:    u.IsOnline,
	}
}

// Presentable is the part of a User that is broadcast to every connection.
// The client id is deliberately absent.
type Presentable struct {
	DurableID   string     `json:"durable_id"`
	DisplayName string     `json:"display_name"`
	Attributes  Attributes `json:"presentation_attributes,omitempty"`
	IsOnline    bool       `json:"is_online"`
}

// SortByName orders a roster by display name, then durable id for equal names.
func SortByName(roster []Presentable) {
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].DisplayName != roster[j].DisplayName {
			return roster[i].DisplayName < roster[j].DisplayName
		}
		return roster[i].DurableID < roster[j].DurableID
	})
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	ClientID   *string
	IsOnline   *bool
	Attributes Attributes
}

// Apply returns u with the non-nil fields of p written over it.
func (p Patch) Apply(u User) User {
	u = u.Clone()
	if p.ClientID != nil {
		u.ClientID = *p.ClientID
	}
	if p.IsOnline != nil {
		u.IsOnline = *p.IsOnline
	}
	if p.Attributes != nil {
		u.Attributes = p.Attributes.Clone()
	}
	return u
}

// Online builds the patch that flips the presence flag.
func Online(online bool) Patch {
	return Patch{IsOnline: &online}
}
