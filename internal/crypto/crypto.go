// internal/crypto/crypto.go
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// p2pchat crypto
//
// - node and author identities are ed25519 keys
// - a PeerID is the raw 32-byte ed25519 public key
// - content addressing and key derivation use SHA3-256
// -----------------------------------------------------------------------------

const (
	SeedSize   = ed25519.SeedSize      // 32
	PeerIDSize = ed25519.PublicKeySize // 32
	HashSize   = 32
)

var (
	ErrBadKey    = errors.New("bad secret key")
	ErrBadPeerID = errors.New("bad peer id")
	ErrBadHash   = errors.New("bad hash")
)

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

type Hash [HashSize]byte

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func HashBytes(b []byte) Hash {
	return Hash(sha3.Sum256(b))
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	v, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != HashSize {
		return h, ErrBadHash
	}
	copy(h[:], b)
	return h, nil
}

// KDF binds a label to the concatenated parts and hashes the result.
func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// -----------------------------------------------------------------------------
// Identities
// -----------------------------------------------------------------------------

type PeerID [PeerIDSize]byte

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Fmt is the short form used in logs.
func (id PeerID) Fmt() string {
	return hex.EncodeToString(id[:5])
}

func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

func (id PeerID) Less(other PeerID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func (id PeerID) PublicKey() ed25519.PublicKey {
	out := make([]byte, PeerIDSize)
	copy(out, id[:])
	return out
}

func (id PeerID) Verify(msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(id.PublicKey(), msg, sig)
}

func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *PeerID) UnmarshalText(b []byte) error {
	v, err := ParsePeerID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(b) != PeerIDSize {
		return id, ErrBadPeerID
	}
	copy(id[:], b)
	return id, nil
}

func PeerIDFromPublicKey(pub ed25519.PublicKey) (PeerID, error) {
	var id PeerID
	if len(pub) != PeerIDSize {
		return id, ErrBadPeerID
	}
	copy(id[:], pub)
	return id, nil
}

// SecretKey is an ed25519 private key. The text form is the hex seed.
type SecretKey struct {
	priv ed25519.PrivateKey
}

func GenerateSecretKey() (SecretKey, error) {
	return generateSecretKey(rand.Reader)
}

func generateSecretKey(r io.Reader) (SecretKey, error) {
	_, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return SecretKey{}, err
	}
	return SecretKey{priv: priv}, nil
}

func SecretKeyFromSeed(seed []byte) (SecretKey, error) {
	if len(seed) != SeedSize {
		return SecretKey{}, fmt.Errorf("%w: need %d byte seed", ErrBadKey, SeedSize)
	}
	return SecretKey{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func ParseSecretKey(s string) (SecretKey, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return SecretKey{}, fmt.Errorf("%w: not hex", ErrBadKey)
	}
	return SecretKeyFromSeed(seed)
}

func (k SecretKey) IsZero() bool {
	return len(k.priv) == 0
}

func (k SecretKey) String() string {
	if k.IsZero() {
		return ""
	}
	return hex.EncodeToString(k.priv.Seed())
}

func (k SecretKey) Public() PeerID {
	var id PeerID
	if k.IsZero() {
		return id
	}
	copy(id[:], k.priv.Public().(ed25519.PublicKey))
	return id
}

func (k SecretKey) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// PrivateKey exposes the key for TLS certificate construction.
func (k SecretKey) PrivateKey() ed25519.PrivateKey {
	return k.priv
}

// DeriveKey derives a deterministic child key bound to label.
func DeriveKey(parent SecretKey, label string) (SecretKey, error) {
	if parent.IsZero() {
		return SecretKey{}, ErrBadKey
	}
	r := hkdf.New(sha3.New256, parent.priv.Seed(), nil, []byte("p2pchat:derive:v1|"+label))
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return SecretKey{}, err
	}
	return SecretKeyFromSeed(seed)
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

const secretFile = "secret.hex"

func SaveSecretKey(dir string, k SecretKey) error {
	if k.IsZero() {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, secretFile), []byte(k.String()), 0600)
}

func LoadSecretKey(dir string) (SecretKey, error) {
	raw, err := os.ReadFile(filepath.Join(dir, secretFile))
	if err != nil {
		return SecretKey{}, err
	}
	k, err := ParseSecretKey(string(raw))
	if err != nil {
		return SecretKey{}, fmt.Errorf("bad %s: %w", secretFile, err)
	}
	return k, nil
}

// LoadOrCreateSecretKey returns the stored key, creating one on first use.
func LoadOrCreateSecretKey(dir string) (SecretKey, bool, error) {
	k, err := LoadSecretKey(dir)
	if err == nil {
		return k, false, nil
	}
	if !os.IsNotExist(err) {
		return SecretKey{}, false, err
	}
	k, err = GenerateSecretKey()
	if err != nil {
		return SecretKey{}, false, err
	}
	if err := SaveSecretKey(dir, k); err != nil {
		return SecretKey{}, false, err
	}
	return k, true, nil
}
