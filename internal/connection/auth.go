package connection

import (
	"context"
	"errors"

	"github.com/notifypush/server/internal/model"
)

// ErrInvalidCredentials is returned by an Authenticator for any failed
// authentication attempt: unknown token, expired token, bad password, or a
// host API error. The caller must not distinguish these to the client.
var ErrInvalidCredentials = errors.New("Invalid credentials")

// CredentialVerifier issues the Basic-auth check against the host
// application's UID endpoint: success iff the response body equals user.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, user, password string) (model.UserId, error)
}

// PreAuthTaker atomically consumes a pre-auth token, used when the client's
// username frame is empty.
type PreAuthTaker interface {
	Take(token string) (model.UserId, bool)
}

// Authenticator dispatches an (user, secret) pair from the handshake to
// either the pre-auth token store or the host application's credential
// check, per the empty-username rule.
type Authenticator struct {
	preAuth  PreAuthTaker
	verifier CredentialVerifier
}

// NewAuthenticator builds an Authenticator backed by the given collaborators.
func NewAuthenticator(preAuth PreAuthTaker, verifier CredentialVerifier) *Authenticator {
	return &Authenticator{preAuth: preAuth, verifier: verifier}
}

// Authenticate resolves user/secret to a UserId, or ErrInvalidCredentials.
func (a *Authenticator) Authenticate(ctx context.Context, user, secret string) (model.UserId, error) {
	if user == "" {
		resolved, ok := a.preAuth.Take(secret)
		if !ok {
			return "", ErrInvalidCredentials
		}
		return resolved, nil
	}

	resolved, err := a.verifier.VerifyCredentials(ctx, user, secret)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	return resolved, nil
}
