// Package auth resolves bearer tokens to admin or staff users.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/suburbmates/quality-cli/internal/model"
)

// Role is a user's privilege level.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleStaff Role = "staff"
)

// User is an authenticated caller.
type User struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether u may use the admin quality API.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Authenticator identifies the caller of a request.
type Authenticator interface {
	// Authenticate returns model.ErrUnauthorized when no valid credential is
	// present.
	Authenticate(r *http.Request) (*User, error)
}

type credential struct {
	token string
	user  User
}

// TokenAuthenticator matches static bearer tokens from configuration.
type TokenAuthenticator struct {
	creds []credential
}

// NewTokenAuthenticator builds an authenticator from user id to token maps.
// Empty tokens are ignored.
func NewTokenAuthenticator(admins, staff map[string]string) *TokenAuthenticator {
	a := &TokenAuthenticator{}
	for id, tok := range admins {
		a.add(id, tok, RoleAdmin)
	}
	for id, tok := range staff {
		a.add(id, tok, RoleStaff)
	}
	return a
}

func (a *TokenAuthenticator) add(id, token string, role Role) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	a.creds = append(a.creds, credential{token: token, user: User{ID: id, Role: role}})
}

// Authenticate implements Authenticator. Every credential is compared in
// constant time.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (*User, error) {
	token, ok := BearerToken(r)
	if !ok {
		return nil, model.ErrUnauthorized
	}
	var found *User
	for i := range a.creds {
		if subtle.ConstantTimeCompare([]byte(a.creds[i].token), []byte(token)) == 1 {
			u := a.creds[i].user
			found = &u
		}
	}
	if found == nil {
		return nil, model.ErrUnauthorized
	}
	return found, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header.
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

type userKey struct{}

// WithUser attaches u to ctx.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFrom returns the user attached by WithUser, or nil.
func UserFrom(ctx context.Context) *User {
	u, _ := ctx.Value(userKey{}).(*User)
	return u
}

// RequireAdmin returns 401 when the request carries no valid credential and
// 403 when the caller is not an admin. onError writes the response.
func RequireAdmin(a Authenticator, onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, err := a.Authenticate(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			if !u.IsAdmin() {
				onError(w, r, model.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
		})
	}
}
