// Package auth provides user authentication for the sigbot API.
//
// # Passwords
//
// Users sign in with an email and password. Passwords are stored as bcrypt
// hashes; HashPassword enforces a minimum length. Login compares against a
// dummy hash when the email is unknown so response time does not reveal
// which accounts exist.
//
// # Tokens
//
// A successful login returns an HS256 JWT signed with auth.jwt_secret. The
// "sub" claim carries the user id and "exp" the expiry (auth.token_ttl).
//
//	verifier := NewJWTVerifier([]byte(secret))
//	token, err := verifier.Generate(userID, 24*time.Hour)
//	userID, err := verifier.Verify(token)
//
// # HTTP Middleware
//
// HTTPAuthMiddleware reads "Authorization: Bearer <jwt>", verifies it,
// loads the user and attaches an AuthContext to the request:
//
//	authCtx := auth.MustFromContext(r.Context())
//
// Bot endpoints addressed by bot token do not use this middleware; the bot
// token itself is the credential.
package auth
