package domain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/crypto/blake2b"
)

const (
	// PrivateIDVersion is the format marker prepended to every private id.
	PrivateIDVersion = 2

	publicIDAlphabet = "0123456789abcdef"
	publicIDLength   = 32
	maxPublicIDLen   = 255
	minSecretLen     = 16
)

// ErrInvalidSecret is returned when the derivation secret is too short.
var ErrInvalidSecret = errors.New("session id secret must be at least 16 bytes")

var privateFormPattern = regexp.MustCompile(`\A[0-9]+::`)

// SessionID pairs the client-visible public id with the storage key derived from it.
// The private half never leaves the process.
type SessionID struct {
	Public  string
	Private string
}

// IsZero reports whether the identifier carries no public id.
func (id SessionID) IsZero() bool {
	return id.Public == ""
}

// String returns the public id only.
func (id SessionID) String() string {
	return id.Public
}

// IDDeriver mints public ids and derives their private storage keys with a
// keyed BLAKE2b MAC.
type IDDeriver struct {
	key []byte
}

// NewIDDeriver creates an IDDeriver keyed by secret.
func NewIDDeriver(secret []byte) (*IDDeriver, error) {
	if len(secret) < minSecretLen {
		return nil, ErrInvalidSecret
	}
	key := blake2b.Sum256(secret)
	return &IDDeriver{key: key[:]}, nil
}

// Generate returns a fresh random identifier.
func (d *IDDeriver) Generate() (SessionID, error) {
	public, err := gonanoid.Generate(publicIDAlphabet, publicIDLength)
	if err != nil {
		return SessionID{}, fmt.Errorf("generate session id: %w", err)
	}
	return d.FromPublic(public), nil
}

// FromPublic builds the identifier for a public id received from a client.
func (d *IDDeriver) FromPublic(public string) SessionID {
	return SessionID{Public: public, Private: d.DerivePrivate(public)}
}

// DerivePrivate maps a public id to its storage key. Deterministic and one-way.
func (d *IDDeriver) DerivePrivate(public string) string {
	mac, err := blake2b.New256(d.key)
	if err != nil {
		// key length is fixed at 32 bytes by NewIDDeriver
		panic(err)
	}
	mac.Write([]byte(public))
	return fmt.Sprintf("%d::%s", PrivateIDVersion, hex.EncodeToString(mac.Sum(nil)))
}

// IsPrivateForm reports whether id carries the private-id marker.
func IsPrivateForm(id string) bool {
	return privateFormPattern.MatchString(id)
}

// ValidPublicID reports whether id is acceptable as a lookup input.
func ValidPublicID(id string) bool {
	if id == "" || len(id) > maxPublicIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c <= ' ' || c >= 0x7f || c == ';' || c == ',' {
			return false
		}
	}
	return true
}
