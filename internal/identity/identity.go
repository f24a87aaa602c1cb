// Package identity is the boundary to the external identity provider. The
// engine only ever needs to know who the local user is.
package identity

// Provider resolves the identity of the local user.
type Provider interface {
	CurrentUserID() string
	DisplayName() string
}

// Static is a fixed identity, used by clients that already authenticated
// through the external provider and by tests.
type Static struct {
	ID   string
	Name string
}

func (s Static) CurrentUserID() string { return s.ID }
func (s Static) DisplayName() string   { return s.Name }
