// Package auth checks the credential presented to the gateway's HTTP render
// API. Template-based jobs are public; every other job must carry an
// Authorization header one of the configured authenticators accepts.
//
// NewStaticToken compares against a shared token (the classic deployment).
// NewHMAC and NewJWKS accept JWTs, for deployments that front the gateway
// with an identity provider. AnyOf combines them:
//
//	static, _ := auth.NewStaticToken(cfg.Token)
//	jwks, err := auth.NewJWKS(ctx, cfg.JWKSURL, auth.JWTConfig{Issuer: cfg.JWTIssuer})
//	if err != nil { log.Fatal(err) }
//	authn := auth.AnyOf(static, jwks)
//
// # Errors
//
// Every rejection wraps ErrUnauthorized.
package auth
