package docs

import (
	"bytes"

	"p2pchat/internal/crypto"
)

// NamespaceID names a document. It is the public half of the namespace
// secret.
type NamespaceID [32]byte

func (n NamespaceID) String() string { return crypto.PeerID(n).String() }

func (n NamespaceID) Fmt() string { return crypto.PeerID(n).Fmt() }

func ParseNamespaceID(s string) (NamespaceID, error) {
	id, err := crypto.ParsePeerID(s)
	return NamespaceID(id), err
}

// NamespaceSecret grants write access to a document.
type NamespaceSecret struct {
	key crypto.SecretKey
}

func NewNamespaceSecret() (NamespaceSecret, error) {
	k, err := crypto.GenerateSecretKey()
	if err != nil {
		return NamespaceSecret{}, err
	}
	return NamespaceSecret{key: k}, nil
}

func ParseNamespaceSecret(s string) (NamespaceSecret, error) {
	k, err := crypto.ParseSecretKey(s)
	if err != nil {
		return NamespaceSecret{}, err
	}
	return NamespaceSecret{key: k}, nil
}

func (s NamespaceSecret) ID() NamespaceID { return NamespaceID(s.key.Public()) }

func (s NamespaceSecret) IsZero() bool { return s.key.IsZero() }

func (s NamespaceSecret) String() string { return s.key.String() }

// AuthorID identifies the writer of an entry.
type AuthorID [32]byte

func (a AuthorID) String() string { return crypto.PeerID(a).String() }

func (a AuthorID) Fmt() string { return crypto.PeerID(a).Fmt() }

func (a AuthorID) Less(other AuthorID) bool {
	return bytes.Compare(a[:], other[:]) < 0
}

type Author struct {
	key crypto.SecretKey
}

func NewAuthor() (Author, error) {
	k, err := crypto.GenerateSecretKey()
	if err != nil {
		return Author{}, err
	}
	return Author{key: k}, nil
}

func AuthorFromKey(k crypto.SecretKey) Author { return Author{key: k} }

func (a Author) ID() AuthorID { return AuthorID(a.key.Public()) }

func (a Author) IsZero() bool { return a.key.IsZero() }
