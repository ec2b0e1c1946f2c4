package proto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	MsgTypeSyncReq   = "sync_req"
	MsgTypeSyncResp  = "sync_resp"
	MsgTypeEntryPush = "entry_push"
	MsgTypeBlobGet   = "blob_get"
	MsgTypeBlobResp  = "blob_resp"

	MaxSyncSize      = 1 << 20
	MaxEntryPushSize = 4 << 10
	MaxBlobGetSize   = 1 << 10
	MaxBlobRespSize  = 1 << 20
)

// SyncPageEntries bounds the entries carried by one sync frame. A wire
// entry with a maximal key stays under 2 KiB, so a full page fits
// MaxSyncSize.
const SyncPageEntries = 256

// WireEntry is the transport form of a signed document entry. Binary
// fields are hex, except Key which is base64 since keys are caller data.
type WireEntry struct {
	Namespace    string `json:"namespace"`
	Author       string `json:"author"`
	Key          string `json:"key"`
	Timestamp    uint64 `json:"timestamp"`
	Hash         string `json:"hash"`
	Len          uint64 `json:"len"`
	AuthorSig    string `json:"author_sig"`
	NamespaceSig string `json:"namespace_sig"`
}

type SyncReqMsg struct {
	Type         string      `json:"type"`
	ProtoVersion string      `json:"proto_version"`
	Namespace    string      `json:"namespace"`
	SessionID    string      `json:"session_id"`
	Entries      []WireEntry `json:"entries"`
	More         bool        `json:"more,omitempty"`
}

type SyncRespMsg struct {
	Type      string      `json:"type"`
	Namespace string      `json:"namespace"`
	SessionID string      `json:"session_id"`
	Error     string      `json:"error,omitempty"`
	Entries   []WireEntry `json:"entries"`
	More      bool        `json:"more,omitempty"`
}

type EntryPushMsg struct {
	Type  string    `json:"type"`
	Entry WireEntry `json:"entry"`
}

type BlobGetMsg struct {
	Type string `json:"type"`
	Hash string `json:"hash"`
}

type BlobRespMsg struct {
	Type    string `json:"type"`
	Hash    string `json:"hash"`
	Missing bool   `json:"missing,omitempty"`
	Data    string `json:"data,omitempty"`
}

// PageEntries splits es into pages of at most SyncPageEntries. It always
// returns at least one page so an empty set is still announced.
func PageEntries(es []WireEntry) [][]WireEntry {
	if len(es) == 0 {
		return [][]WireEntry{nil}
	}
	pages := make([][]WireEntry, 0, (len(es)+SyncPageEntries-1)/SyncPageEntries)
	for len(es) > SyncPageEntries {
		pages = append(pages, es[:SyncPageEntries])
		es = es[SyncPageEntries:]
	}
	return append(pages, es)
}

func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func DecodeKey(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad key encoding")
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty key")
	}
	return b, nil
}

func EncodeSyncReqMsg(m SyncReqMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeSyncReq
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	return json.Marshal(m)
}

func DecodeSyncReqMsg(data []byte) (SyncReqMsg, error) {
	var m SyncReqMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return SyncReqMsg{}, err
	}
	if m.Type != MsgTypeSyncReq {
		return SyncReqMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.Namespace == "" {
		return SyncReqMsg{}, fmt.Errorf("missing namespace")
	}
	return m, nil
}

func EncodeSyncRespMsg(m SyncRespMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeSyncResp
	}
	return json.Marshal(m)
}

func DecodeSyncRespMsg(data []byte) (SyncRespMsg, error) {
	var m SyncRespMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return SyncRespMsg{}, err
	}
	if m.Type != MsgTypeSyncResp {
		return SyncRespMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeEntryPushMsg(m EntryPushMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeEntryPush
	}
	return json.Marshal(m)
}

func DecodeEntryPushMsg(data []byte) (EntryPushMsg, error) {
	var m EntryPushMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return EntryPushMsg{}, err
	}
	if m.Type != MsgTypeEntryPush {
		return EntryPushMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeBlobGetMsg(m BlobGetMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeBlobGet
	}
	return json.Marshal(m)
}

func DecodeBlobGetMsg(data []byte) (BlobGetMsg, error) {
	var m BlobGetMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return BlobGetMsg{}, err
	}
	if m.Type != MsgTypeBlobGet {
		return BlobGetMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeBlobRespMsg(m BlobRespMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeBlobResp
	}
	return json.Marshal(m)
}

func DecodeBlobRespMsg(data []byte) (BlobRespMsg, error) {
	var m BlobRespMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return BlobRespMsg{}, err
	}
	if m.Type != MsgTypeBlobResp {
		return BlobRespMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeBlobData(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func DecodeBlobData(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
