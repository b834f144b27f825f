package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"gitlab.elettra.eu/cs/inau/pkg/catalog"
	"gitlab.elettra.eu/cs/inau/pkg/types"
)

// Authenticator decides whether a credential pair may trigger
// installations.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) error
}

// UserDirectory is the catalog slice authentication needs.
type UserDirectory interface {
	UserByName(ctx context.Context, name string) (types.User, error)
}

// BindFunc verifies a credential pair against an external directory.
// Deployments point this at their LDAP server; a nil BindFunc skips
// the credential check and admits on catalog membership alone.
type BindFunc func(ctx context.Context, username, password string) error

// authError maps an authentication outcome to its HTTP status.
type authError struct {
	status  int
	message string
}

func (e *authError) Error() string { return e.message }

// CatalogAuthenticator admits users that exist in the catalog and,
// when a bind function is configured, hold a valid directory
// credential.
type CatalogAuthenticator struct {
	users UserDirectory
	bind  BindFunc
}

func NewCatalogAuthenticator(users UserDirectory, bind BindFunc) *CatalogAuthenticator {
	return &CatalogAuthenticator{users: users, bind: bind}
}

func (a *CatalogAuthenticator) Authenticate(ctx context.Context, username, password string) error {
	if _, err := a.users.UserByName(ctx, username); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return &authError{status: http.StatusForbidden, message: "User not enabled"}
		}
		return fmt.Errorf("looking up user %q: %w", username, err)
	}
	if a.bind != nil {
		if err := a.bind(ctx, username, password); err != nil {
			return &authError{status: http.StatusForbidden, message: "Authentication failed"}
		}
	}
	return nil
}
