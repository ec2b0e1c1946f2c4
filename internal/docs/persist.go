package docs

import "p2pchat/internal/proto"

// Persister keeps namespaces and their entries across restarts.
// Namespace ids are hex strings; secret is empty for read-only replicas.
type Persister interface {
	SaveNamespace(id, secret string) error
	Namespaces() (map[string]string, error)
	AppendEntry(namespace string, e proto.WireEntry) error
	LoadEntries(namespace string) ([]proto.WireEntry, error)
}
