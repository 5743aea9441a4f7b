// Package token mints the opaque credentials that guard per-account order
// payloads in the keyed TTL store.
//
// A credential *is* the store key: <namespace>:<opaque>, where <opaque> is
// the URL-safe base64 encoding of 32 random bytes (43 chars, unpadded).
// Consumers receive only the opaque part and reconstruct the key with the
// well-known namespace.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

const opaqueBytes = 32

// Minter generates namespaced credential keys. The zero value is not usable;
// construct with NewMinter.
type Minter struct {
	namespace string
	rand      io.Reader
}

// NewMinter creates a minter for the given key namespace ("tok" by default
// in config). Randomness comes from crypto/rand.
func NewMinter(namespace string) *Minter {
	return &Minter{namespace: namespace, rand: rand.Reader}
}

// NewMinterWithRand creates a minter with an explicit randomness source.
// Used by tests to make minted keys deterministic.
func NewMinterWithRand(namespace string, r io.Reader) *Minter {
	return &Minter{namespace: namespace, rand: r}
}

// Namespace returns the configured key prefix.
func (m *Minter) Namespace() string {
	return m.namespace
}

// Mint returns a fresh credential key of the form <namespace>:<opaque>.
func (m *Minter) Mint() (string, error) {
	buf := make([]byte, opaqueBytes)
	if _, err := io.ReadFull(m.rand, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(buf)
	return m.namespace + ":" + opaque, nil
}

// Key rebuilds the full store key from an opaque token handed out to a
// consumer.
func (m *Minter) Key(opaque string) string {
	return m.namespace + ":" + opaque
}

// Opaque strips the namespace from a full key. Keys without a namespace
// separator are returned unchanged, so callers can pass through legacy
// values safely.
func Opaque(key string) string {
	if _, opaque, ok := strings.Cut(key, ":"); ok {
		return opaque
	}
	return key
}
