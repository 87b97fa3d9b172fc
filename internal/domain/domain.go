// Package domain contains entities without logic, just meta-data.
package domain

import "errors"

const MaxConnectionCodeLen = 16

var (
	ErrCodeEmpty   = errors.New("connection code empty")
	ErrCodeTooLong = errors.New("connection code too long")
)

// ConnectionCode is the short public identifier a viewer enters to
// reach a specific host. Created once at host registration, never
// mutated afterwards.
type ConnectionCode string

func NewConnectionCode(s string) (ConnectionCode, error) {
	if len(s) == 0 {
		return "", ErrCodeEmpty
	}
	if len(s) > MaxConnectionCodeLen {
		return "", ErrCodeTooLong
	}
	return ConnectionCode(s), nil
}

// Role distinguishes the two participants of a session.
type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

// Counterpart returns the other side of a session.
func (r Role) Counterpart() Role {
	if r == RoleHost {
		return RoleViewer
	}
	return RoleHost
}
