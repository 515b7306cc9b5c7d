// Package identity specifies the identity-provider boundary. The
// provider itself (sign-in, password reset, the current-identity stream)
// is an external collaborator; this package owns the snapshot shape and
// the admin allow-list.
package identity

import (
	"context"
	"strings"

	"github.com/flowcheck/capture-service/internal/reading"
)

// User is the minimal account shape the provider yields.
type User struct {
	UID         string
	Email       string
	DisplayName string
}

// Provider is the external identity collaborator.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (User, error)
	SignUp(ctx context.Context, email, password string) (User, error)
	SignOut(ctx context.Context) error
	SendPasswordReset(ctx context.Context, email string) error
	// Subscribe delivers the current identity (nil when signed out) and
	// every subsequent change until the returned unsubscribe runs.
	Subscribe(fn func(*User)) (unsubscribe func())
}

// Admins is the fixed allow-list of elevated emails, matched
// case-insensitively.
type Admins struct {
	emails map[string]struct{}
}

// NewAdmins builds the allow-list from configuration.
func NewAdmins(emails []string) Admins {
	m := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			m[e] = struct{}{}
		}
	}
	return Admins{emails: m}
}

// Contains reports whether the email carries admin capability.
func (a Admins) Contains(email string) bool {
	_, ok := a.emails[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

// Snapshot denormalizes a provider user into the identity copy stored on
// readings. Display name defaults to the email local part.
func Snapshot(u User, admins Admins) reading.UserInfo {
	name := u.DisplayName
	if name == "" {
		name = reading.DisplayName(u.Email)
	}
	return reading.UserInfo{
		UID:         u.UID,
		Email:       u.Email,
		DisplayName: name,
		IsAdmin:     admins.Contains(u.Email),
	}
}
