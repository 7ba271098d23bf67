// Package auth extracts credentials from the Authorization header and
// checks them against configured tokens and users.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/codefionn/netcore/internal/securemem"
)

var (
	// ErrUnauthorized is returned for missing or rejected credentials
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMalformed is returned for Authorization headers that cannot be parsed
	ErrMalformed = errors.New("malformed authorization header")
)

// Scheme is an Authorization scheme
type Scheme string

const (
	SchemeBearer Scheme = "bearer"
	SchemeBasic  Scheme = "basic"
)

// Credentials are the parsed contents of an Authorization header
type Credentials struct {
	Scheme   Scheme
	Token    string
	User     string
	Password string
}

// Extract parses an Authorization header value. An empty header yields nil
// credentials and no error.
func Extract(header string) (*Credentials, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	scheme, value, ok := strings.Cut(header, " ")
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return nil, ErrMalformed
	}

	switch Scheme(strings.ToLower(scheme)) {
	case SchemeBearer:
		return &Credentials{Scheme: SchemeBearer, Token: value}, nil
	case SchemeBasic:
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, ErrMalformed
		}
		user, password, ok := strings.Cut(string(raw), ":")
		if !ok || user == "" {
			return nil, ErrMalformed
		}
		return &Credentials{Scheme: SchemeBasic, User: user, Password: password}, nil
	default:
		return nil, ErrMalformed
	}
}

// Validator checks credentials and names the principal they belong to
type Validator interface {
	Validate(ctx context.Context, creds *Credentials) (string, error)
}

// Static validates bearer tokens and bcrypt-hashed basic users from
// configuration
type Static struct {
	tokens   *securemem.Set
	users    map[string][]byte
	decoy    []byte // compared for unknown users so lookups cost the same
	required bool
}

// NewStatic builds a validator. users maps user names to bcrypt hashes.
// With required set, requests without credentials are rejected.
func NewStatic(tokens []string, users map[string]string, required bool) *Static {
	s := &Static{
		tokens:   securemem.NewSet(tokens),
		users:    make(map[string][]byte, len(users)),
		required: required,
	}
	cost := 0
	for user, hash := range users {
		s.users[user] = []byte(hash)
		if c, err := bcrypt.Cost([]byte(hash)); err == nil && c > cost {
			cost = c
		}
	}
	if len(s.users) > 0 {
		if cost == 0 {
			cost = bcrypt.DefaultCost
		}
		// the error is only for costs out of range, which Cost never returns
		s.decoy, _ = bcrypt.GenerateFromPassword([]byte("decoy"), cost)
	}
	return s
}

// Required reports whether anonymous requests are rejected
func (s *Static) Required() bool {
	return s.required
}

// Close wipes the tokens held in locked memory
func (s *Static) Close() error {
	s.tokens.Destroy()
	return nil
}

// Validate checks one set of credentials
func (s *Static) Validate(ctx context.Context, creds *Credentials) (string, error) {
	if creds == nil {
		return "", ErrUnauthorized
	}
	switch creds.Scheme {
	case SchemeBearer:
		if s.tokens.Contains([]byte(creds.Token)) {
			return "token", nil
		}
	case SchemeBasic:
		hash, ok := s.users[creds.User]
		if !ok {
			hash = s.decoy
		}
		if bcrypt.CompareHashAndPassword(hash, []byte(creds.Password)) == nil && ok {
			return creds.User, nil
		}
	}
	return "", ErrUnauthorized
}

// Authenticate runs Extract and Validate on a header value. Without
// credentials it returns an empty principal unless authentication is required.
func (s *Static) Authenticate(ctx context.Context, header string) (string, error) {
	creds, err := Extract(header)
	if err != nil {
		return "", errors.Join(ErrUnauthorized, err)
	}
	if creds == nil {
		if s.required {
			return "", ErrUnauthorized
		}
		return "", nil
	}
	return s.Validate(ctx, creds)
}

// HashPassword returns the bcrypt hash stored in configuration for a user
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
