// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"
)

const (
	MaxUserIDLen      = 36
	MaxDisplayNameLen = 48
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

type UserID string

// User is the identity attached to presence and domain events.
// Name/Color/Avatar come from the identity collaborator; the core
// treats them as opaque display data.
type User struct {
	ID     UserID `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Avatar string `json:"avatar,omitempty"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id UserID, name, color string) (*User, error) {
	if name == "" {
		return nil, ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &User{ID: id, Name: name, Color: color}, nil
}

func (u *User) SetName(name string) error {
	if name == "" {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	u.Name = name
	return nil
}
