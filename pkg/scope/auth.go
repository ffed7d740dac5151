package scope

import (
	"context"
	"fmt"
	"sync"
)

// AuthProvider is the external authentication and authorization collaborator.
type AuthProvider interface {
	// CurrentUserID returns the authenticated user for ctx, if any.
	CurrentUserID(ctx context.Context) (string, bool)

	// PermissionsOf returns the permissions held by user.
	PermissionsOf(ctx context.Context, user string) ([]string, error)

	// RolesOf returns the roles held by user.
	RolesOf(ctx context.Context, user string) ([]string, error)
}

type userKey struct{}

// WithUser returns a context carrying an authenticated user id, read back by
// StaticAuth.CurrentUserID.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// StaticAuth is an AuthProvider backed by fixed grants, for development and
// tests. The current user is taken from WithUser.
type StaticAuth struct {
	mu          sync.RWMutex
	permissions map[string][]string
	roles       map[string][]string
}

// NewStaticAuth creates a StaticAuth with no grants.
func NewStaticAuth() *StaticAuth {
	return &StaticAuth{
		permissions: make(map[string][]string),
		roles:       make(map[string][]string),
	}
}

// Grant adds permissions to user.
func (a *StaticAuth) Grant(user string, permissions ...string) *StaticAuth {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.permissions[user] = append(a.permissions[user], permissions...)
	return a
}

// Assign adds roles to user.
func (a *StaticAuth) Assign(user string, roles ...string) *StaticAuth {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roles[user] = append(a.roles[user], roles...)
	return a
}

func (a *StaticAuth) CurrentUserID(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(userKey{}).(string)
	return user, ok && user != ""
}

func (a *StaticAuth) PermissionsOf(_ context.Context, user string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.permissions[user]...), nil
}

func (a *StaticAuth) RolesOf(_ context.Context, user string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.roles[user]...), nil
}

// authorize checks the caller against cfg's requirements. The caller must
// hold at least one of the declared permissions and at least one of the
// declared roles. Types without requirements always pass.
func authorize(ctx context.Context, auth AuthProvider, cfg StateConfig, rc RequestContext) error {
	if len(cfg.RequiredPermissions) == 0 && len(cfg.RequiredRoles) == 0 {
		return nil
	}

	user, err := callerID(ctx, auth, rc)
	if err != nil {
		return err
	}
	if user == "" {
		return ErrAuthentication
	}
	if auth == nil {
		return fmt.Errorf("%w: no auth provider configured", ErrAuthorization)
	}

	if len(cfg.RequiredPermissions) > 0 {
		held, err := auth.PermissionsOf(ctx, user)
		if err != nil {
			return fmt.Errorf("%w: permissions lookup: %v", ErrAuthorization, err)
		}
		if !anyOf(held, cfg.RequiredPermissions) {
			return fmt.Errorf("%w: user %q lacks permission %v", ErrAuthorization, user, cfg.RequiredPermissions)
		}
	}
	if len(cfg.RequiredRoles) > 0 {
		held, err := auth.RolesOf(ctx, user)
		if err != nil {
			return fmt.Errorf("%w: roles lookup: %v", ErrAuthorization, err)
		}
		if !anyOf(held, cfg.RequiredRoles) {
			return fmt.Errorf("%w: user %q lacks role %v", ErrAuthorization, user, cfg.RequiredRoles)
		}
	}
	return nil
}

// callerID returns the identity of the caller. With a provider configured
// only the provider is trusted: rc.UserID may repeat the authenticated id but
// never supply or replace it. Without a provider rc.UserID is used as given.
func callerID(ctx context.Context, auth AuthProvider, rc RequestContext) (string, error) {
	if auth == nil {
		return rc.UserID, nil
	}
	user, ok := auth.CurrentUserID(ctx)
	if !ok {
		user = ""
	}
	if rc.UserID == "" || rc.UserID == user {
		return user, nil
	}
	if user == "" {
		return "", fmt.Errorf("%w: request names user %q but no user is authenticated", ErrAuthentication, rc.UserID)
	}
	return "", fmt.Errorf("%w: user %q may not act as %q", ErrAuthorization, user, rc.UserID)
}

func anyOf(held, required []string) bool {
	for _, r := range required {
		for _, h := range held {
			if h == r {
				return true
			}
		}
	}
	return false
}
