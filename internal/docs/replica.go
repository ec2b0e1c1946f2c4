package docs

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
)

type slot struct {
	key    string
	author AuthorID
}

// Replica holds the entries of one namespace, one version per
// (key, author).
type Replica struct {
	id NamespaceID

	mu      sync.RWMutex
	secret  NamespaceSecret
	entries map[slot]SignedEntry
	lastTS  uint64
}

func newReplica(id NamespaceID, secret NamespaceSecret) *Replica {
	return &Replica{
		id:      id,
		secret:  secret,
		entries: make(map[slot]SignedEntry),
	}
}

func (r *Replica) ID() NamespaceID { return r.id }

func (r *Replica) Writable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.secret.IsZero()
}

func (r *Replica) setSecret(s NamespaceSecret) {
	r.mu.Lock()
	if r.secret.IsZero() {
		r.secret = s
	}
	r.mu.Unlock()
}

func (r *Replica) namespaceSecret() NamespaceSecret {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.secret
}

// nextTimestamp keeps local writes strictly increasing even if the clock
// stalls or steps back.
func (r *Replica) nextTimestamp(now uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now <= r.lastTS {
		now = r.lastTS + 1
	}
	r.lastTS = now
	return now
}

// insert stores e if it is newer than the version in its slot. The entry
// must already be verified.
func (r *Replica) insert(e SignedEntry) (bool, error) {
	if e.Namespace != r.id {
		return false, fmt.Errorf("%w: namespace mismatch", ErrInvalidEntry)
	}
	k := slot{key: string(e.Key), author: e.Author}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[k]; ok && !e.newerThan(cur.Entry) {
		return false, nil
	}
	r.entries[k] = e
	if e.Timestamp > r.lastTS {
		r.lastTS = e.Timestamp
	}
	return true, nil
}

func (r *Replica) getExact(author AuthorID, key []byte) (SignedEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[slot{key: string(key), author: author}]
	return e, ok
}

func (r *Replica) all() []SignedEntry {
	r.mu.RLock()
	out := make([]SignedEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sortEntries(out)
	return out
}

// latestPerKey resolves one version per key: the highest timestamp, ties
// going to the larger author id.
func (r *Replica) latestPerKey() []SignedEntry {
	r.mu.RLock()
	best := make(map[string]SignedEntry)
	for k, e := range r.entries {
		cur, ok := best[k.key]
		if !ok || winsOver(e, cur) {
			best[k.key] = e
		}
	}
	r.mu.RUnlock()
	out := make([]SignedEntry, 0, len(best))
	for _, e := range best {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func winsOver(a, b SignedEntry) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return b.Author.Less(a.Author)
}

func sortEntries(es []SignedEntry) {
	sort.Slice(es, func(i, j int) bool {
		if c := bytes.Compare(es[i].Key, es[j].Key); c != 0 {
			return c < 0
		}
		return es[i].Author.Less(es[j].Author)
	})
}
