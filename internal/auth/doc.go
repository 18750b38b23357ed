// Package auth provides bearer authentication for agent-relay.
//
// # JWT Tokens
//
// Front-end adapters and operators authenticate with HS256 JWTs signed with
// the configured auth.jwt_secret. The "sub" claim names the caller and ends
// up in the request context and the logs.
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := verifier.Generate("relay-matrix", 30*24*time.Hour)
//
// The agent-relay token command mints tokens from the command line.
//
// # HTTP Middleware
//
// Middleware rejects requests without a valid bearer token with 401 and a
// JSON error body. Handlers read the caller with FromContext:
//
//	r.With(auth.Middleware(verifier)).Post("/messages", handler)
//
//	if ac := auth.FromContext(r.Context()); ac != nil {
//	    logger.Info("request", "subject", ac.Subject)
//	}
package auth
