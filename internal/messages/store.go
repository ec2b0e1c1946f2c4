// Package messages is a replicated list of chat messages kept in a docs
// document. Each message is one key; edits and deletions write new
// versions and the newest version wins.
package messages

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"p2pchat/internal/debuglog"
	"p2pchat/internal/docs"
	"p2pchat/internal/ticket"
)

type Store struct {
	doc    *docs.Doc
	author docs.Author
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	watchers map[int]chan struct{}
	nextID   int
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Create opens a message store. An empty ticket starts a new document;
// otherwise the ticket's document is imported and synced.
func Create(ctx context.Context, engine *docs.Engine, ticketStr string) (*Store, error) {
	if engine == nil {
		return nil, ErrNotInitialized
	}
	var (
		doc *docs.Doc
		err error
	)
	if ticketStr == "" {
		doc, err = engine.Create(ctx)
	} else {
		var t ticket.DocTicket
		t, err = ticket.ParseDocTicket(ticketStr)
		if err != nil {
			return nil, err
		}
		doc, err = engine.Import(ctx, t)
	}
	if err != nil {
		return nil, err
	}
	return open(doc, engine.AuthorDefault())
}

func open(doc *docs.Doc, author docs.Author) (*Store, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	events, err := doc.Subscribe(subCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	s := &Store{
		doc:      doc,
		author:   author,
		log:      debuglog.With("messages").With().Str("namespace", doc.ID().Fmt()).Logger(),
		now:      time.Now,
		watchers: make(map[int]chan struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.subscribe(events)
	return s, nil
}

func (s *Store) subscribe(events <-chan docs.Event) {
	defer close(s.done)
	for ev := range events {
		s.log.Debug().Str("event", ev.Kind.String()).Msg("document event")
		s.notify()
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch signals after each document change until ctx ends or the store is
// closed. Signals coalesce; the receiver should re-list.
func (s *Store) Watch(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	if s == nil {
		close(out)
		return out
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(out)
		return out
	}
	s.nextID++
	id := s.nextID
	s.watchers[id] = out
	s.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.mu.Lock()
		if ch, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(ch)
		}
		s.mu.Unlock()
	}()
	return out
}

// Ticket returns a write ticket for the room.
func (s *Store) Ticket() (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	t, err := s.doc.Share(ticket.Write)
	if err != nil {
		return "", err
	}
	return t.String(), nil
}

func (s *Store) Namespace() docs.NamespaceID { return s.doc.ID() }

func (s *Store) Doc() *docs.Doc { return s.doc }

func (s *Store) check() error {
	if s == nil {
		return ErrNotInitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotInitialized
	}
	return nil
}

func checkID(id string) error {
	if id == "" || len(id) > docs.MaxKeySize {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func (s *Store) put(ctx context.Context, r MessageRecord) error {
	b, err := r.Encode()
	if err != nil {
		return err
	}
	if _, err := s.doc.Set(ctx, s.author, []byte(r.ID), b); err != nil {
		return fmt.Errorf("store message %s: %w", r.ID, err)
	}
	return nil
}

// Add stores a new message stamped with the current time.
func (s *Store) Add(ctx context.Context, id, label string) (MessageRecord, error) {
	if err := s.check(); err != nil {
		return MessageRecord{}, err
	}
	if err := checkID(id); err != nil {
		return MessageRecord{}, err
	}
	r := MessageRecord{ID: id, Label: label, Created: s.now().UnixMicro()}
	if err := s.put(ctx, r); err != nil {
		return MessageRecord{}, err
	}
	return r, nil
}

// Get returns the latest version of a message, tombstones included.
func (s *Store) Get(ctx context.Context, id string) (MessageRecord, error) {
	if err := s.check(); err != nil {
		return MessageRecord{}, err
	}
	if err := checkID(id); err != nil {
		return MessageRecord{}, err
	}
	e, ok := s.doc.GetLatest([]byte(id))
	if !ok {
		return MessageRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	b, err := s.doc.ReadContent(ctx, e)
	if err != nil {
		return MessageRecord{}, err
	}
	return Decode(b)
}

// Update replaces the label of an existing message. A deleted message stays
// deleted.
func (s *Store) Update(ctx context.Context, id, label string) (MessageRecord, error) {
	if utf8.RuneCountInString(label) >= MaxLabelRunes {
		return MessageRecord{}, fmt.Errorf("%w: %d characters", ErrTooLong, utf8.RuneCountInString(label))
	}
	r, err := s.Get(ctx, id)
	if err != nil {
		return MessageRecord{}, err
	}
	r.ID = id
	r.Label = label
	if err := s.put(ctx, r); err != nil {
		return MessageRecord{}, err
	}
	return r, nil
}

// Delete writes a tombstone version of the message.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.setDeleted(ctx, id, true)
}

// Restore clears the tombstone of a deleted message.
func (s *Store) Restore(ctx context.Context, id string) error {
	return s.setDeleted(ctx, id, false)
}

func (s *Store) setDeleted(ctx context.Context, id string, deleted bool) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.IsDelete == deleted {
		return nil
	}
	r.ID = id
	r.IsDelete = deleted
	return s.put(ctx, r)
}

// List returns the visible messages oldest first. Messages whose content
// has not arrived yet are listed with a placeholder label.
func (s *Store) List(ctx context.Context) ([]MessageRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	latest := s.doc.Query()
	out := make([]MessageRecord, 0, len(latest))
	for _, e := range latest {
		id := string(e.Key)
		b, err := s.doc.ReadContent(ctx, e)
		if errors.Is(err, docs.ErrContentMissing) {
			out = append(out, missingRecord(id))
			continue
		}
		if err != nil {
			return nil, err
		}
		r, err := Decode(b)
		if err != nil {
			s.log.Debug().Str("id", id).Err(err).Msg("skipping undecodable message")
			continue
		}
		if r.IsDelete {
			continue
		}
		r.ID = id
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(rs []MessageRecord) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Created != rs[j].Created {
			return rs[i].Created < rs[j].Created
		}
		return rs[i].ID < rs[j].ID
	})
}

// Close stops the event subscription and closes the document handle.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return s.doc.Close()
}
