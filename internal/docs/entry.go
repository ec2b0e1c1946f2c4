package docs

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"p2pchat/internal/crypto"
	"p2pchat/internal/proto"
)

const entryDomain = "p2pchat-entry-v1"

// MaxKeySize bounds entry keys.
const MaxKeySize = 1024

var ErrInvalidEntry = errors.New("invalid entry")

// Entry is one version of a key written by one author. Timestamp is in
// microseconds since the Unix epoch.
type Entry struct {
	Namespace NamespaceID
	Author    AuthorID
	Key       []byte
	Timestamp uint64
	Hash      crypto.Hash
	Len       uint64
}

type SignedEntry struct {
	Entry
	AuthorSig    []byte
	NamespaceSig []byte
}

func (e Entry) signingBytes() []byte {
	buf := make([]byte, 0, len(entryDomain)+32+32+4+len(e.Key)+8+32+8)
	buf = append(buf, entryDomain...)
	buf = append(buf, e.Namespace[:]...)
	buf = append(buf, e.Author[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Key)))
	buf = append(buf, e.Key...)
	buf = binary.BigEndian.AppendUint64(buf, e.Timestamp)
	buf = append(buf, e.Hash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, e.Len)
	return buf
}

// newerThan orders two versions of the same (key, author) slot.
func (e Entry) newerThan(other Entry) bool {
	if e.Timestamp != other.Timestamp {
		return e.Timestamp > other.Timestamp
	}
	return bytes.Compare(e.Hash[:], other.Hash[:]) > 0
}

func SignEntry(e Entry, ns NamespaceSecret, author Author) (SignedEntry, error) {
	if ns.IsZero() {
		return SignedEntry{}, ErrReadOnly
	}
	if ns.ID() != e.Namespace || author.ID() != e.Author {
		return SignedEntry{}, fmt.Errorf("%w: signer mismatch", ErrInvalidEntry)
	}
	msg := e.signingBytes()
	return SignedEntry{
		Entry:        e,
		AuthorSig:    author.key.Sign(msg),
		NamespaceSig: ns.key.Sign(msg),
	}, nil
}

func (e SignedEntry) Verify() error {
	if len(e.Key) == 0 || len(e.Key) > MaxKeySize {
		return fmt.Errorf("%w: key size %d", ErrInvalidEntry, len(e.Key))
	}
	msg := e.signingBytes()
	if !crypto.PeerID(e.Author).Verify(msg, e.AuthorSig) {
		return fmt.Errorf("%w: bad author signature", ErrInvalidEntry)
	}
	if !crypto.PeerID(e.Namespace).Verify(msg, e.NamespaceSig) {
		return fmt.Errorf("%w: bad namespace signature", ErrInvalidEntry)
	}
	return nil
}

func (e SignedEntry) ToWire() proto.WireEntry {
	return proto.WireEntry{
		Namespace:    e.Namespace.String(),
		Author:       e.Author.String(),
		Key:          proto.EncodeKey(e.Key),
		Timestamp:    e.Timestamp,
		Hash:         e.Hash.String(),
		Len:          e.Len,
		AuthorSig:    hex.EncodeToString(e.AuthorSig),
		NamespaceSig: hex.EncodeToString(e.NamespaceSig),
	}
}

// FromWire decodes and verifies a transported entry.
func FromWire(w proto.WireEntry) (SignedEntry, error) {
	ns, err := crypto.ParsePeerID(w.Namespace)
	if err != nil {
		return SignedEntry{}, fmt.Errorf("%w: namespace", ErrInvalidEntry)
	}
	author, err := crypto.ParsePeerID(w.Author)
	if err != nil {
		return SignedEntry{}, fmt.Errorf("%w: author", ErrInvalidEntry)
	}
	key, err := proto.DecodeKey(w.Key)
	if err != nil {
		return SignedEntry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	hash, err := crypto.ParseHash(w.Hash)
	if err != nil {
		return SignedEntry{}, fmt.Errorf("%w: hash", ErrInvalidEntry)
	}
	asig, err := hex.DecodeString(w.AuthorSig)
	if err != nil {
		return SignedEntry{}, fmt.Errorf("%w: author sig", ErrInvalidEntry)
	}
	nsig, err := hex.DecodeString(w.NamespaceSig)
	if err != nil {
		return SignedEntry{}, fmt.Errorf("%w: namespace sig", ErrInvalidEntry)
	}
	e := SignedEntry{
		Entry: Entry{
			Namespace: NamespaceID(ns),
			Author:    AuthorID(author),
			Key:       key,
			Timestamp: w.Timestamp,
			Hash:      hash,
			Len:       w.Len,
		},
		AuthorSig:    asig,
		NamespaceSig: nsig,
	}
	if err := e.Verify(); err != nil {
		return SignedEntry{}, err
	}
	return e, nil
}
