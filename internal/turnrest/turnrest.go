package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Package turnrest mints coturn-compatible ephemeral TURN credentials.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<connection_id_or_random>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed using the server clock in UTC.

// Minter produces short-lived TURN credentials from a shared secret.
type Minter struct {
	sharedSecret   []byte
	ttl            time.Duration
	usernamePrefix string
	now            func() time.Time

	idSource func() (string, error)
}

type MinterConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now and IDSource override the clock and the random id source in tests.
	Now      func() time.Time
	IDSource func() (string, error)
}

func NewMinter(cfg MinterConfig) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("TTL must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.ContainsRune(cfg.UsernamePrefix, ':') {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IDSource == nil {
		cfg.IDSource = cryptoRandomID
	}
	return &Minter{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttl:            cfg.TTL,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
		idSource:       cfg.IDSource,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Mint derives credentials bound to the given connection id.
func (m *Minter) Mint(connectionID string) (Credentials, error) {
	if connectionID == "" {
		return Credentials{}, errors.New("connectionID is required")
	}
	if strings.ContainsRune(connectionID, ':') {
		return Credentials{}, errors.New("connectionID must not contain ':'")
	}
	expiryUnix := m.now().UTC().Add(m.ttl).Unix()
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, m.usernamePrefix, connectionID)
	cred := signUsername(m.sharedSecret, username)
	return Credentials{
		Username:   username,
		Credential: cred,
		ExpiryUnix: expiryUnix,
	}, nil
}

// MintRandom derives credentials for an anonymous caller.
func (m *Minter) MintRandom() (Credentials, error) {
	id, err := m.idSource()
	if err != nil {
		return Credentials{}, err
	}
	return m.Mint(id)
}

func cryptoRandomID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	sum := mac.Sum(nil)
	return base64.StdEncoding.EncodeToString(sum)
}
