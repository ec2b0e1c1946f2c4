// Package store persists documents under a data directory: one JSONL
// entry log per namespace plus content-addressed blob files.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"p2pchat/internal/proto"
)

const (
	namespacesFile = "namespaces.jsonl"
	entriesDir     = "entries"
)

type namespaceRec struct {
	ID     string `json:"id"`
	Secret string `json:"secret,omitempty"`
}

// Store is a file-backed docs persister.
type Store struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store: empty dir")
	}
	if err := os.MkdirAll(filepath.Join(dir, entriesDir), 0700); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

func validID(id string) error {
	if len(id) != 64 {
		return fmt.Errorf("store: bad namespace id %q", id)
	}
	for _, c := range id {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return fmt.Errorf("store: bad namespace id %q", id)
		}
	}
	return nil
}

func (s *Store) entriesPath(ns string) string {
	return filepath.Join(s.dir, entriesDir, ns+".jsonl")
}

// SaveNamespace records a namespace. A later record for the same id
// overrides an earlier one, so upgrading to a secret is an append.
func (s *Store) SaveNamespace(id, secret string) error {
	if err := validID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return AppendJSONL(filepath.Join(s.dir, namespacesFile), namespaceRec{ID: id, Secret: secret})
}

func (s *Store) Namespaces() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := ReadJSONL[namespaceRec](filepath.Join(s.dir, namespacesFile))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(recs))
	for _, r := range recs {
		if validID(r.ID) != nil {
			continue
		}
		if cur, ok := out[r.ID]; ok && cur != "" && r.Secret == "" {
			continue
		}
		out[r.ID] = r.Secret
	}
	return out, nil
}

func (s *Store) AppendEntry(ns string, e proto.WireEntry) error {
	if err := validID(ns); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return AppendJSONL(s.entriesPath(ns), e)
}

func (s *Store) LoadEntries(ns string) ([]proto.WireEntry, error) {
	if err := validID(ns); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ReadJSONL[proto.WireEntry](s.entriesPath(ns))
}

// Compact rewrites a namespace log keeping only the newest version per
// (key, author). It returns the number of dropped lines.
func (s *Store) Compact(ns string) (int, error) {
	if err := validID(ns); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.entriesPath(ns)
	all, err := ReadJSONL[proto.WireEntry](path)
	if err != nil || len(all) == 0 {
		return 0, err
	}
	type slot struct{ key, author string }
	keep := make(map[slot]proto.WireEntry, len(all))
	for _, e := range all {
		k := slot{key: e.Key, author: e.Author}
		cur, ok := keep[k]
		if !ok || e.Timestamp > cur.Timestamp || (e.Timestamp == cur.Timestamp && e.Hash > cur.Hash) {
			keep[k] = e
		}
	}
	out := make([]proto.WireEntry, 0, len(keep))
	for _, e := range keep {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if err := rewriteJSONL(path, out); err != nil {
		return 0, err
	}
	return len(all) - len(out), nil
}
