package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleStudent = "student"
	RoleAdmin   = "admin"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrIssuerMismatch  = errors.New("issuer mismatch")
	ErrUnexpectedAlg   = errors.New("unexpected signing method")
	ErrMissingIdentity = errors.New("token has no subject")
)

// Claims represents JWT payload. Subject is the student or administrator id.
type Claims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Signed is an issued access token.
type Signed struct {
	Token     string
	ExpiresAt time.Time
}

// Issue signs an HS256 access token for subject.
func Issue(subject, name, role, issuer, key string, ttl time.Duration) (Signed, error) {
	if subject == "" {
		return Signed{}, ErrMissingIdentity
	}
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Role: role,
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return Signed{}, err
	}
	return Signed{Token: token, ExpiresAt: exp}, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, ErrUnexpectedAlg
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, ErrIssuerMismatch
	}
	if claims.Subject == "" {
		return Claims{}, ErrMissingIdentity
	}
	return *claims, nil
}
