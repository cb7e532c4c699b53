package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Failure reasons. The error text is the reason string sent to clients, so
// callers can tell an expired credential (log in again) from the rest.
var (
	ErrMissingCredential   = errors.New("missing_credential")
	ErrMalformedCredential = errors.New("malformed_credential")
	ErrExpiredCredential   = errors.New("expired_credential")
	ErrInvalidSignature    = errors.New("invalid_signature")

	// ErrSessionUnavailable means the session store could not be asked. The
	// credential may be fine; callers should try again later.
	ErrSessionUnavailable = errors.New("session_unavailable")
)

// Reason returns the client-facing reason string for a Verify error.
func Reason(err error) string {
	for _, e := range []error{ErrMissingCredential, ErrMalformedCredential, ErrExpiredCredential, ErrInvalidSignature, ErrSessionUnavailable} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return ErrInvalidSignature.Error()
}

// Principal is the verified identity bound to a connection.
type Principal struct {
	UserID    int64
	Name      string
	TokenID   string
	ExpiresAt time.Time
}

// Claims carried by the credential issued by the login service.
type Claims struct {
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	jwt.RegisteredClaims
}

// SessionChecker reports whether a session key is still live (not logged out).
type SessionChecker interface {
	SessionExists(ctx context.Context, key string) (bool, error)
}

type Options struct {
	Algorithm string // HS256 | RS256
	Secret    []byte
	PublicKey *rsa.PublicKey
	Issuer    string
	Audience  string
	Leeway    time.Duration

	// Sessions is optional; when set a credential must also have a live session.
	Sessions SessionChecker
}

// Verifier validates connection credentials. Signature, algorithm, issuer,
// audience and expiry are all checked.
type Verifier struct {
	parser   *jwt.Parser
	keyFunc  jwt.Keyfunc
	sessions SessionChecker
}

func NewVerifier(opt Options) (*Verifier, error) {
	if opt.Issuer == "" || opt.Audience == "" {
		return nil, errors.New("auth: issuer and audience are required")
	}
	alg := strings.ToUpper(opt.Algorithm)
	var key any
	switch alg {
	case "HS256":
		if len(opt.Secret) == 0 {
			return nil, errors.New("auth: HS256 requires a secret")
		}
		key = opt.Secret
	case "RS256":
		if opt.PublicKey == nil {
			return nil, errors.New("auth: RS256 requires a public key")
		}
		key = opt.PublicKey
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", opt.Algorithm)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{alg}),
		jwt.WithIssuer(opt.Issuer),
		jwt.WithAudience(opt.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(opt.Leeway),
	)
	return &Verifier{
		parser:   parser,
		keyFunc:  func(*jwt.Token) (any, error) { return key, nil },
		sessions: opt.Sessions,
	}, nil
}

// ParsePublicKey decodes a PEM encoded RSA public key.
func ParsePublicKey(pem []byte) (*rsa.PublicKey, error) {
	return jwt.ParseRSAPublicKeyFromPEM(pem)
}

// Verify checks token and returns the principal it identifies.
func (v *Verifier) Verify(ctx context.Context, token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingCredential
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, v.keyFunc)
	if err != nil {
		return nil, classify(err)
	}

	uid, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || uid <= 0 {
		return nil, fmt.Errorf("%w: subject is not a user id", ErrMalformedCredential)
	}

	if v.sessions != nil {
		key := claims.ID
		if key == "" {
			key = token
		}
		ok, err := v.sessions.SessionExists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: session ended", ErrExpiredCredential)
		}
	}

	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}
	if name == "" {
		name = "user-" + claims.Subject
	}
	p := &Principal{UserID: uid, Name: name, TokenID: claims.ID}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpiredCredential, err)
	}
	// bad signature, wrong algorithm, foreign issuer or audience, not yet valid
	return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
}

// ExtractToken gets token from Authorization header (Bearer) or query parameter.
// Browsers cannot set headers on a websocket handshake, hence the query fallback.
func ExtractToken(r *http.Request, header, bearerPrefix, queryKey string) string {
	if header != "" {
		v := strings.TrimSpace(r.Header.Get(header))
		if v != "" {
			if bearerPrefix != "" && strings.HasPrefix(v, bearerPrefix) {
				return strings.TrimSpace(strings.TrimPrefix(v, bearerPrefix))
			}
			return v
		}
	}
	if queryKey != "" {
		q := strings.TrimSpace(r.URL.Query().Get(queryKey))
		if q != "" {
			return q
		}
	}
	return ""
}
