package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator validates the credential presented in the Authorization
// header. It should return an error wrapping ErrUnauthorized for invalid
// credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, tok string) error

func (f AuthenticatorFunc) CheckAuthentication(ctx context.Context, tok string) error {
	return f(ctx, tok)
}

// BearerToken strips an optional "Bearer " scheme from an Authorization
// header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

type staticToken struct {
	want []byte
}

// NewStaticToken accepts exactly token, presented bare or as a bearer
// token. Comparison is constant time.
func NewStaticToken(token string) (Authenticator, error) {
	if token == "" {
		return nil, errors.New("token is required")
	}
	return &staticToken{want: []byte(token)}, nil
}

func (s *staticToken) CheckAuthentication(_ context.Context, tok string) error {
	got := []byte(BearerToken(tok))
	if subtle.ConstantTimeCompare(got, s.want) != 1 {
		return fmt.Errorf("%w: token mismatch", ErrUnauthorized)
	}
	return nil
}

type anyOf []Authenticator

// AnyOf accepts a credential if any of the given authenticators accepts it.
// Nil authenticators are skipped.
func AnyOf(auths ...Authenticator) Authenticator {
	out := make(anyOf, 0, len(auths))
	for _, a := range auths {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

func (a anyOf) CheckAuthentication(ctx context.Context, tok string) error {
	if len(a) == 0 {
		return fmt.Errorf("%w: no authenticator configured", ErrUnauthorized)
	}
	var errs []error
	for _, au := range a {
		err := au.CheckAuthentication(ctx, tok)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
