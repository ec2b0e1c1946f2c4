package messages

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MaxRecordSize bounds the serialized record; records at or above it are rejected.
	MaxRecordSize = 2048
	// MaxLabelRunes bounds an updated label.
	MaxLabelRunes = 2000

	MissingContentLabel = "Missing Content"
)

var (
	ErrTooLarge       = errors.New("message too large")
	ErrTooLong        = errors.New("label too long")
	ErrNotFound       = errors.New("message not found")
	ErrNotInitialized = errors.New("message store not initialized")
	ErrInvalidID      = errors.New("invalid message id")
)

// MessageRecord is one chat room message. Created is in microseconds since
// the Unix epoch.
type MessageRecord struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Created  int64  `json:"created"`
	IsDelete bool   `json:"is_delete"`
}

func (r MessageRecord) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	if len(b) >= MaxRecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b))
	}
	return b, nil
}

func Decode(b []byte) (MessageRecord, error) {
	var r MessageRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return MessageRecord{}, fmt.Errorf("decode message: %w", err)
	}
	return r, nil
}

func missingRecord(id string) MessageRecord {
	return MessageRecord{ID: id, Label: MissingContentLabel}
}
