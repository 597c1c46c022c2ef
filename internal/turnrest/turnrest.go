// Package turnrest mints coturn-compatible ephemeral TURN credentials for
// browser viewers, so a long-lived TURN password never reaches the page.
//
//	username   = <unix_expiry>:<prefix>:<label>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingSecret = errors.New("turnrest: shared secret is required")
	ErrInvalidLabel  = errors.New("turnrest: label must be non-empty and must not contain ':'")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now defaults to time.Now.
	Now func() time.Time
	// NewLabel defaults to a random UUID.
	NewLabel func() string
}

type Generator struct {
	secret   []byte
	ttl      time.Duration
	prefix   string
	now      func() time.Time
	newLabel func() string
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.TTL < time.Second {
		return nil, fmt.Errorf("turnrest: ttl %v must be at least 1s", cfg.TTL)
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, fmt.Errorf("turnrest: invalid username prefix %q", cfg.UsernamePrefix)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewLabel == nil {
		cfg.NewLabel = uuid.NewString
	}
	return &Generator{
		secret:   []byte(cfg.SharedSecret),
		ttl:      cfg.TTL,
		prefix:   cfg.UsernamePrefix,
		now:      cfg.Now,
		newLabel: cfg.NewLabel,
	}, nil
}

// Mint returns credentials bound to label, which is usually the requesting
// viewer's connection id.
func (g *Generator) Mint(label string) (Credentials, error) {
	if label == "" || strings.Contains(label, ":") {
		return Credentials{}, ErrInvalidLabel
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, label)

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))

	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		Expires:    expires,
	}, nil
}

// MintRandom mints credentials under a fresh random label.
func (g *Generator) MintRandom() (Credentials, error) {
	return g.Mint(g.newLabel())
}
