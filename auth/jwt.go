package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig controls validation of JWT credentials.
type JWTConfig struct {
	// Issuer is required.
	Issuer string
	// Audiences, when set, must intersect the token's aud claim.
	Audiences   []string
	AllowedAlgs []string
	Leeway      time.Duration
}

func (c JWTConfig) withDefaults(defaultAlg string) (JWTConfig, error) {
	if c.Issuer == "" {
		return c, errors.New("issuer is required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{defaultAlg}
	}
	if slices.Contains(c.AllowedAlgs, "none") {
		return c, errors.New(`alg "none" is not allowed`)
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
	return c, nil
}

type jwtAuthenticator struct {
	cfg     JWTConfig
	keyfunc jwt.Keyfunc
}

// NewJWKS validates RS/ES signed tokens against keys fetched (and refreshed)
// from jwksURL. Default algorithm: RS256.
func NewJWKS(ctx context.Context, jwksURL string, cfg JWTConfig) (Authenticator, error) {
	if jwksURL == "" {
		return nil, errors.New("jwks uri required")
	}
	cfg, err := cfg.withDefaults("RS256")
	if err != nil {
		return nil, err
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &jwtAuthenticator{cfg: cfg, keyfunc: kf.Keyfunc}, nil
}

// NewHMAC validates tokens signed with a shared secret. Default algorithm:
// HS256.
func NewHMAC(secret []byte, cfg JWTConfig) (Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	cfg, err := cfg.withDefaults("HS256")
	if err != nil {
		return nil, err
	}
	key := append([]byte(nil), secret...)
	return &jwtAuthenticator{cfg: cfg, keyfunc: func(*jwt.Token) (any, error) { return key, nil }}, nil
}

func (a *jwtAuthenticator) CheckAuthentication(_ context.Context, tok string) error {
	tok = BearerToken(tok)
	if tok == "" {
		return fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	if len(a.cfg.Audiences) == 0 {
		return nil
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	aud, err := claims.GetAudience()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	for _, want := range a.cfg.Audiences {
		if slices.Contains(aud, want) {
			return nil
		}
	}
	return fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
}
