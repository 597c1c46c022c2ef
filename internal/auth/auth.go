// Package auth verifies the shared secrets that gate the control plane and
// the signaling channel.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/camrelay/camrelay/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const sha256Prefix = "sha256:"

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	return NewCredentialSet(cfg.Secrets)
}

// CredentialSet accepts any one of several credentials so secrets can be
// rotated without downtime. Plaintext entries are digested at construction
// and never retained.
type CredentialSet struct {
	digests [][sha256.Size]byte
	bcrypts [][]byte
}

// NewCredentialSet parses entries of the form "<plaintext>",
// "sha256:<hex>", or a bcrypt hash ("$2a$", "$2b$", "$2y$").
func NewCredentialSet(entries []string) (*CredentialSet, error) {
	s := &CredentialSet{}
	for i, entry := range entries {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
			continue
		case strings.HasPrefix(entry, sha256Prefix):
			raw, err := hex.DecodeString(strings.TrimPrefix(entry, sha256Prefix))
			if err != nil || len(raw) != sha256.Size {
				return nil, fmt.Errorf("secret %d: sha256 entry must be 64 hex characters", i)
			}
			var d [sha256.Size]byte
			copy(d[:], raw)
			s.digests = append(s.digests, d)
		case isBcryptHash(entry):
			if _, err := bcrypt.Cost([]byte(entry)); err != nil {
				return nil, fmt.Errorf("secret %d: %w", i, err)
			}
			s.bcrypts = append(s.bcrypts, []byte(entry))
		default:
			s.digests = append(s.digests, sha256.Sum256([]byte(entry)))
		}
	}
	if s.Len() == 0 {
		return nil, errors.New("at least one secret is required")
	}
	return s, nil
}

func (s *CredentialSet) Len() int {
	return len(s.digests) + len(s.bcrypts)
}

// Verify digests credential and compares it against every digest entry in
// constant time before falling back to bcrypt entries.
func (s *CredentialSet) Verify(credential string) error {
	if credential == "" {
		return ErrMissingCredentials
	}

	got := sha256.Sum256([]byte(credential))
	match := 0
	for i := range s.digests {
		match |= subtle.ConstantTimeCompare(got[:], s.digests[i][:])
	}
	if match == 1 {
		return nil
	}

	for _, hash := range s.bcrypts {
		if bcrypt.CompareHashAndPassword(hash, []byte(credential)) == nil {
			return nil
		}
	}
	return ErrInvalidCredentials
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
