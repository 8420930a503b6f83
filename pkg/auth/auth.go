// Package auth verifies the local administrative password presented by
// consoles that are not yet trusted.
package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/bcrypt"
)

// ErrNoPassword is returned when no password has been configured.
var ErrNoPassword = errors.New("no password configured")

// Authenticator checks a password.
type Authenticator interface {
	// Authenticate reports whether password is correct. An error means the
	// backend could not decide.
	Authenticate(ctx context.Context, password string) (bool, error)
}

// PasswordFile authenticates against a bcrypt hash stored in a file. The
// file is read on every attempt so rotations apply immediately.
type PasswordFile struct {
	Path string
}

// NewPasswordFile returns an authenticator backed by path.
func NewPasswordFile(path string) *PasswordFile {
	return &PasswordFile{Path: path}
}

// Authenticate compares password with the stored hash. Empty passwords are
// always rejected.
func (p *PasswordFile) Authenticate(ctx context.Context, password string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if password == "" {
		return false, nil
	}

	data, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, ErrNoPassword
		}
		return false, fmt.Errorf("read password file: %w", err)
	}
	hash := bytes.TrimSpace(data)
	if len(hash) == 0 {
		return false, ErrNoPassword
	}

	err = bcrypt.CompareHashAndPassword(hash, []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("invalid password hash: %w", err)
	}
}

// SetPassword replaces the stored hash with one for password.
func (p *PasswordFile) SetPassword(password string) error {
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.Path), 0o700); err != nil {
		return fmt.Errorf("create password directory: %w", err)
	}
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, append(hash, '\n'), 0o600); err != nil {
		return fmt.Errorf("write password file: %w", err)
	}
	if err := os.Rename(tmp, p.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace password file: %w", err)
	}
	return nil
}
