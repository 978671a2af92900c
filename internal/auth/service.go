package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmptyPassword      = errors.New("password must not be empty")
)

// Credentials checks BasicAuth pairs against one configured account.
// The configured password is either a bcrypt hash or plain text.
type Credentials struct {
	username string
	password []byte
	hashed   bool
}

// NewCredentials returns nil when username is empty, which disables auth.
func NewCredentials(username, password string) *Credentials {
	if username == "" {
		return nil
	}
	return &Credentials{
		username: username,
		password: []byte(password),
		hashed:   IsHash(password),
	}
}

// IsHash reports whether s looks like a bcrypt hash.
func IsHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// Verify returns ErrInvalidCredentials unless both fields match.
func (c *Credentials) Verify(username, password string) error {
	if c == nil {
		return nil
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.username)) == 1
	var passOK bool
	if c.hashed {
		passOK = bcrypt.CompareHashAndPassword(c.password, []byte(password)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(password), c.password) == 1
	}
	if !userOK || !passOK {
		return ErrInvalidCredentials
	}
	return nil
}

func (c *Credentials) Username() string {
	if c == nil {
		return ""
	}
	return c.username
}

// HashPassword returns a bcrypt hash usable as server.password.
// cost <= 0 means bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
