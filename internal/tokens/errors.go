package tokens

import "errors"

// Validation failures. Callers react differently to each: expired tokens may be
// refreshed silently, revoked tokens force re-authentication, invalid tokens are suspicious.
var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenRevoked = errors.New("token revoked")
)

// ErrorKind classifies a token validation failure
type ErrorKind string

// Error kinds
const (
	KindNone    ErrorKind = ""
	KindExpired ErrorKind = "expired"
	KindInvalid ErrorKind = "invalid"
	KindRevoked ErrorKind = "revoked"
)

// KindOf maps err onto an ErrorKind. Unknown errors are invalid.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTokenExpired):
		return KindExpired
	case errors.Is(err, ErrTokenRevoked):
		return KindRevoked
	default:
		return KindInvalid
	}
}
