package proto

import (
	"bytes"
	"strings"
	"testing"
)

func TestSyncReqDefaultsAndValidation(t *testing.T) {
	data, err := EncodeSyncReqMsg(SyncReqMsg{Namespace: "ab", SessionID: "s1"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	m, err := DecodeSyncReqMsg(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if m.Type != MsgTypeSyncReq || m.ProtoVersion != ProtoVersion {
		t.Fatalf("defaults not applied: %+v", m)
	}
	if _, err := DecodeSyncReqMsg([]byte(`{"type":"sync_req"}`)); err == nil {
		t.Fatalf("expected missing namespace error")
	}
	if _, err := DecodeSyncReqMsg([]byte(`{"type":"blob_get","namespace":"ab"}`)); err == nil {
		t.Fatalf("expected type mismatch error")
	}
}

func TestKeyEncoding(t *testing.T) {
	key := []byte("message-1")
	got, err := DecodeKey(EncodeKey(key))
	if err != nil {
		t.Fatalf("decode key failed: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Fatalf("key mismatch")
	}
	if _, err := DecodeKey(""); err == nil {
		t.Fatalf("expected empty key error")
	}
}

func TestBlobRespCarriesData(t *testing.T) {
	data, err := EncodeBlobRespMsg(BlobRespMsg{Hash: "h", Data: EncodeBlobData([]byte{0, 1, 2})})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	m, err := DecodeBlobRespMsg(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	raw, err := DecodeBlobData(m.Data)
	if err != nil || !bytes.Equal(raw, []byte{0, 1, 2}) {
		t.Fatalf("unexpected blob data %v err=%v", raw, err)
	}
}

func TestPageEntriesBoundsFrames(t *testing.T) {
	if pages := PageEntries(nil); len(pages) != 1 || len(pages[0]) != 0 {
		t.Fatalf("empty set should yield one empty page, got %d", len(pages))
	}
	es := make([]WireEntry, 2*SyncPageEntries+3)
	for i := range es {
		es[i] = WireEntry{
			Namespace:    strings.Repeat("a", 64),
			Author:       strings.Repeat("b", 64),
			Key:          EncodeKey(bytes.Repeat([]byte{'k'}, 1024)),
			Timestamp:    uint64(i),
			Hash:         strings.Repeat("c", 64),
			Len:          2048,
			AuthorSig:    strings.Repeat("d", 128),
			NamespaceSig: strings.Repeat("e", 128),
		}
	}
	pages := PageEntries(es)
	if len(pages) != 3 || len(pages[2]) != 3 {
		t.Fatalf("unexpected paging: %d pages", len(pages))
	}
	total := 0
	for i, p := range pages {
		total += len(p)
		data, err := EncodeSyncRespMsg(SyncRespMsg{Namespace: "ns", SessionID: "s", Entries: p, More: i < len(pages)-1})
		if err != nil {
			t.Fatalf("encode page %d: %v", i, err)
		}
		if len(data) > MaxSyncSize {
			t.Fatalf("page %d is %d bytes, over %d", i, len(data), MaxSyncSize)
		}
		if _, err := EncodeFrame(data); err != nil {
			t.Fatalf("frame page %d: %v", i, err)
		}
	}
	if total != len(es) {
		t.Fatalf("paging lost entries: %d of %d", total, len(es))
	}
}
