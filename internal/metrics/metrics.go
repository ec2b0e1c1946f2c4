package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type SessionHeader struct {
	Remote string    `json:"remote"`
	State  string    `json:"state"`
	At     time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Transport   TransportMetrics `json:"transport"`
	Chat        ChatMetrics      `json:"chat"`
	Docs        DocsMetrics      `json:"docs"`
	Recent      []SessionHeader  `json:"recent"`
}

type TransportMetrics struct {
	ConnsAccepted      uint64 `json:"conns_accepted"`
	ConnsDialed        uint64 `json:"conns_dialed"`
	ConnsLimited       uint64 `json:"conns_limited"`
	HandshakesAccepted uint64 `json:"handshakes_accepted"`
	HandshakesRejected uint64 `json:"handshakes_rejected"`
}

type ChatMetrics struct {
	Sent             uint64 `json:"sent"`
	Received         uint64 `json:"received"`
	SessionsReplaced uint64 `json:"sessions_replaced"`
	StreamErrors     uint64 `json:"stream_errors"`
}

type DocsMetrics struct {
	EntriesLocal   uint64 `json:"entries_local"`
	EntriesRemote  uint64 `json:"entries_remote"`
	EntriesInvalid uint64 `json:"entries_invalid"`
	BlobsFetched   uint64 `json:"blobs_fetched"`
	ContentMissing uint64 `json:"content_missing"`
	SyncRounds     uint64 `json:"sync_rounds"`
}

type Metrics struct {
	connsAccepted      atomic.Uint64
	connsDialed        atomic.Uint64
	connsLimited       atomic.Uint64
	handshakesAccepted atomic.Uint64
	handshakesRejected atomic.Uint64
	chatSent           atomic.Uint64
	chatReceived       atomic.Uint64
	sessionsReplaced   atomic.Uint64
	streamErrors       atomic.Uint64
	entriesLocal       atomic.Uint64
	entriesRemote      atomic.Uint64
	entriesInvalid     atomic.Uint64
	blobsFetched       atomic.Uint64
	contentMissing     atomic.Uint64
	syncRounds         atomic.Uint64
	recent             *SessionRecent
}

func New() *Metrics {
	return &Metrics{recent: NewSessionRecent(64)}
}

func (m *Metrics) Recent() *SessionRecent {
	if m == nil {
		return nil
	}
	return m.recent
}

// All Inc* methods accept a nil receiver so components can run without metrics.

func (m *Metrics) IncConnsAccepted() {
	if m != nil {
		m.connsAccepted.Add(1)
	}
}

func (m *Metrics) IncConnsDialed() {
	if m != nil {
		m.connsDialed.Add(1)
	}
}

func (m *Metrics) IncConnsLimited() {
	if m != nil {
		m.connsLimited.Add(1)
	}
}

func (m *Metrics) IncHandshakesAccepted() {
	if m != nil {
		m.handshakesAccepted.Add(1)
	}
}

func (m *Metrics) IncHandshakesRejected() {
	if m != nil {
		m.handshakesRejected.Add(1)
	}
}

func (m *Metrics) IncChatSent() {
	if m != nil {
		m.chatSent.Add(1)
	}
}

func (m *Metrics) IncChatReceived() {
	if m != nil {
		m.chatReceived.Add(1)
	}
}

func (m *Metrics) IncSessionsReplaced() {
	if m != nil {
		m.sessionsReplaced.Add(1)
	}
}

func (m *Metrics) IncStreamErrors() {
	if m != nil {
		m.streamErrors.Add(1)
	}
}

func (m *Metrics) IncEntriesLocal() {
	if m != nil {
		m.entriesLocal.Add(1)
	}
}

func (m *Metrics) IncEntriesRemote() {
	if m != nil {
		m.entriesRemote.Add(1)
	}
}

func (m *Metrics) IncEntriesInvalid() {
	if m != nil {
		m.entriesInvalid.Add(1)
	}
}

func (m *Metrics) IncBlobsFetched() {
	if m != nil {
		m.blobsFetched.Add(1)
	}
}

func (m *Metrics) IncContentMissing() {
	if m != nil {
		m.contentMissing.Add(1)
	}
}

func (m *Metrics) IncSyncRounds() {
	if m != nil {
		m.syncRounds.Add(1)
	}
}

func (m *Metrics) RecordSession(remote, state string) {
	if m == nil {
		return
	}
	m.recent.Add(SessionHeader{Remote: remote, State: state, At: time.Now().UTC()})
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []SessionHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Transport: TransportMetrics{
			ConnsAccepted:      m.connsAccepted.Load(),
			ConnsDialed:        m.connsDialed.Load(),
			ConnsLimited:       m.connsLimited.Load(),
			HandshakesAccepted: m.handshakesAccepted.Load(),
			HandshakesRejected: m.handshakesRejected.Load(),
		},
		Chat: ChatMetrics{
			Sent:             m.chatSent.Load(),
			Received:         m.chatReceived.Load(),
			SessionsReplaced: m.sessionsReplaced.Load(),
			StreamErrors:     m.streamErrors.Load(),
		},
		Docs: DocsMetrics{
			EntriesLocal:   m.entriesLocal.Load(),
			EntriesRemote:  m.entriesRemote.Load(),
			EntriesInvalid: m.entriesInvalid.Load(),
			BlobsFetched:   m.blobsFetched.Load(),
			ContentMissing: m.contentMissing.Load(),
			SyncRounds:     m.syncRounds.Load(),
		},
		Recent: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// -----------------------------------------------------------------------------
// prometheus export
// -----------------------------------------------------------------------------

type counterDesc struct {
	desc *prometheus.Desc
	load func(*Metrics) uint64
}

var counterDescs = []counterDesc{
	{prometheus.NewDesc("p2pchat_conns_accepted_total", "Inbound QUIC connections accepted", nil, nil), func(m *Metrics) uint64 { return m.connsAccepted.Load() }},
	{prometheus.NewDesc("p2pchat_conns_dialed_total", "Outbound QUIC connections established", nil, nil), func(m *Metrics) uint64 { return m.connsDialed.Load() }},
	{prometheus.NewDesc("p2pchat_conns_limited_total", "Inbound connections refused by the per-IP limiter", nil, nil), func(m *Metrics) uint64 { return m.connsLimited.Load() }},
	{prometheus.NewDesc("p2pchat_handshakes_accepted_total", "Chat handshakes accepted", nil, nil), func(m *Metrics) uint64 { return m.handshakesAccepted.Load() }},
	{prometheus.NewDesc("p2pchat_handshakes_rejected_total", "Chat handshakes discarded", nil, nil), func(m *Metrics) uint64 { return m.handshakesRejected.Load() }},
	{prometheus.NewDesc("p2pchat_chat_sent_total", "Chat messages sent", nil, nil), func(m *Metrics) uint64 { return m.chatSent.Load() }},
	{prometheus.NewDesc("p2pchat_chat_received_total", "Chat messages received", nil, nil), func(m *Metrics) uint64 { return m.chatReceived.Load() }},
	{prometheus.NewDesc("p2pchat_sessions_replaced_total", "Chat sessions superseded by a newer one", nil, nil), func(m *Metrics) uint64 { return m.sessionsReplaced.Load() }},
	{prometheus.NewDesc("p2pchat_chat_stream_errors_total", "Chat streams dropped without ending the session", nil, nil), func(m *Metrics) uint64 { return m.streamErrors.Load() }},
	{prometheus.NewDesc("p2pchat_entries_local_total", "Document entries written locally", nil, nil), func(m *Metrics) uint64 { return m.entriesLocal.Load() }},
	{prometheus.NewDesc("p2pchat_entries_remote_total", "Document entries inserted from peers", nil, nil), func(m *Metrics) uint64 { return m.entriesRemote.Load() }},
	{prometheus.NewDesc("p2pchat_entries_invalid_total", "Document entries dropped on verification", nil, nil), func(m *Metrics) uint64 { return m.entriesInvalid.Load() }},
	{prometheus.NewDesc("p2pchat_blobs_fetched_total", "Blobs fetched from peers", nil, nil), func(m *Metrics) uint64 { return m.blobsFetched.Load() }},
	{prometheus.NewDesc("p2pchat_content_missing_total", "Listed records whose content was not yet available", nil, nil), func(m *Metrics) uint64 { return m.contentMissing.Load() }},
	{prometheus.NewDesc("p2pchat_sync_rounds_total", "Document sync rounds completed", nil, nil), func(m *Metrics) uint64 { return m.syncRounds.Load() }},
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range counterDescs {
		ch <- c.desc
	}
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range counterDescs {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(c.load(m)))
	}
}

type SessionRecent struct {
	mu   sync.Mutex
	cap  int
	list []SessionHeader
}

func NewSessionRecent(capacity int) *SessionRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &SessionRecent{cap: capacity}
}

func (r *SessionRecent) Add(h SessionHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *SessionRecent) List() []SessionHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionHeader, len(r.list))
	copy(out, r.list)
	return out
}
