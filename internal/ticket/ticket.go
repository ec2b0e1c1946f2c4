// Package ticket encodes the shareable strings that let one node reach
// another: node tickets for chat and doc tickets for rooms.
package ticket

import (
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"p2pchat/internal/crypto"
	"p2pchat/internal/network"
)

const (
	nodePrefix = "node"
	docPrefix  = "doc"
)

var ErrBadTicket = errors.New("bad ticket")

var enc = base32.StdEncoding.WithPadding(base32.NoPadding)

type Capability string

const (
	Read  Capability = "read"
	Write Capability = "write"
)

type NodeTicket struct {
	Node network.NodeAddr `json:"node"`
}

type DocTicket struct {
	Capability Capability         `json:"capability"`
	Namespace  crypto.PeerID      `json:"namespace"`
	Secret     string             `json:"secret,omitempty"`
	Nodes      []network.NodeAddr `json:"nodes"`
}

func encode(prefix string, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return prefix + strings.ToLower(enc.EncodeToString(raw)), nil
}

func decode(prefix, s string, v any) error {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, prefix) {
		return fmt.Errorf("%w: expected %q prefix", ErrBadTicket, prefix)
	}
	raw, err := enc.DecodeString(strings.ToUpper(s[len(prefix):]))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadTicket, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadTicket, err)
	}
	return nil
}

func (t NodeTicket) String() string {
	s, err := encode(nodePrefix, t)
	if err != nil {
		return ""
	}
	return s
}

func ParseNodeTicket(s string) (NodeTicket, error) {
	var t NodeTicket
	if err := decode(nodePrefix, s, &t); err != nil {
		return NodeTicket{}, err
	}
	if err := t.Node.Validate(); err != nil {
		return NodeTicket{}, fmt.Errorf("%w: %v", ErrBadTicket, err)
	}
	return t, nil
}

func (t DocTicket) String() string {
	s, err := encode(docPrefix, t)
	if err != nil {
		return ""
	}
	return s
}

func ParseDocTicket(s string) (DocTicket, error) {
	var t DocTicket
	if err := decode(docPrefix, s, &t); err != nil {
		return DocTicket{}, err
	}
	if t.Namespace.IsZero() {
		return DocTicket{}, fmt.Errorf("%w: missing namespace", ErrBadTicket)
	}
	switch t.Capability {
	case Read:
		if t.Secret != "" {
			return DocTicket{}, fmt.Errorf("%w: read ticket carries a secret", ErrBadTicket)
		}
	case Write:
		sk, err := crypto.ParseSecretKey(t.Secret)
		if err != nil {
			return DocTicket{}, fmt.Errorf("%w: %v", ErrBadTicket, err)
		}
		if sk.Public() != t.Namespace {
			return DocTicket{}, fmt.Errorf("%w: secret does not match namespace", ErrBadTicket)
		}
	default:
		return DocTicket{}, fmt.Errorf("%w: unknown capability %q", ErrBadTicket, t.Capability)
	}
	return t, nil
}
