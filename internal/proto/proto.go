// internal/proto/proto.go
package proto

const (
	// ChatALPN identifies direct chat sessions on the shared endpoint.
	ChatALPN = "p2pchat/chat/0"
	// DocsALPN identifies document replication traffic.
	DocsALPN = "p2pchat/docs/0"

	ProtoVersion = "0.1.0"
)

// MaxSizeForType caps frames by message type; 0 means only MaxFrameSize applies.
func MaxSizeForType(t string) int {
	switch t {
	case MsgTypeSyncReq, MsgTypeSyncResp:
		return MaxSyncSize
	case MsgTypeEntryPush:
		return MaxEntryPushSize
	case MsgTypeBlobGet:
		return MaxBlobGetSize
	case MsgTypeBlobResp:
		return MaxBlobRespSize
	default:
		return 0
	}
}
