package authsidecar

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sage-x-project/brontide/pkg/brontide/stream"
)

// JWTSidecar gates the rekey side-effect behind a bearer-token identity
// check: a peer may only trigger a sidecar-mediated rekey if it presented
// a JWT that verifies against the configured key at construction time.
type JWTSidecar struct {
	authenticated bool
	claims        jwt.MapClaims
	input         *stream.Stream
	output        *stream.Stream
}

// NewJWTSidecar verifies token against key using method and binds the
// sidecar to the Session's input/output Streams. Verification failure is
// not an error: Authenticated() simply returns false and the Session
// falls back to calling Stream.Rekey directly, per the design note that
// the sidecar only intercepts rekeys when authenticated.
func NewJWTSidecar(token string, key interface{}, input, output *stream.Stream) *JWTSidecar {
	s := &JWTSidecar{input: input, output: output}

	// Pin the accepted signing algorithm family to what key's concrete
	// type can actually verify. Without this, a token crafted with an
	// attacker-chosen alg header would be accepted as long as the
	// keyfunc below hands back something jwt.Parse can use with it -
	// the classic algorithm-confusion hole.
	methods := allowedSigningMethods(key)
	if len(methods) == 0 {
		return s
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods(methods))
	if err != nil || !parsed.Valid {
		return s
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return s
	}

	s.authenticated = true
	s.claims = claims
	return s
}

// allowedSigningMethods maps key's concrete type to the one signing
// method family that type can verify, so the keyfunc never validates a
// token against an algorithm the caller didn't intend for that key.
func allowedSigningMethods(key interface{}) []string {
	switch key.(type) {
	case []byte:
		return []string{"HS256", "HS384", "HS512"}
	case *rsa.PublicKey:
		return []string{"RS256", "RS384", "RS512"}
	case *ecdsa.PublicKey:
		return []string{"ES256", "ES384", "ES512"}
	default:
		return nil
	}
}

// Authenticated reports whether the bearer token verified successfully.
func (s *JWTSidecar) Authenticated() bool {
	return s.authenticated
}

// Subject returns the "sub" claim of the verified token, if any.
func (s *JWTSidecar) Subject() string {
	if s.claims == nil {
		return ""
	}
	sub, _ := s.claims["sub"].(string)
	return sub
}

// RekeyInput forwards to the bound input Stream's Rekey.
func (s *JWTSidecar) RekeyInput() error {
	if s.input == nil {
		return fmt.Errorf("authsidecar: no input stream bound")
	}
	return s.input.Rekey(nil, nil)
}

// RekeyOutput forwards to the bound output Stream's Rekey.
func (s *JWTSidecar) RekeyOutput() error {
	if s.output == nil {
		return fmt.Errorf("authsidecar: no output stream bound")
	}
	return s.output.Rekey(nil, nil)
}
