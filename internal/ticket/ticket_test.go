package ticket

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"p2pchat/internal/crypto"
	"p2pchat/internal/network"
)

func testAddr(t *testing.T) network.NodeAddr {
	t.Helper()
	sk, err := crypto.GenerateSecretKey()
	require.NoError(t, err)
	return network.NodeAddr{ID: sk.Public(), Addrs: []string{"127.0.0.1:4433", "[::1]:4433"}}
}

func TestNodeTicketRoundTrip(t *testing.T) {
	tk := NodeTicket{Node: testAddr(t)}
	s := tk.String()
	require.True(t, strings.HasPrefix(s, "node"))
	require.Equal(t, strings.ToLower(s), s)

	got, err := ParseNodeTicket(s)
	require.NoError(t, err)
	require.Equal(t, tk, got)
}

func TestNodeTicketRejectsGarbage(t *testing.T) {
	_, err := ParseNodeTicket("nodenot-base32!")
	require.ErrorIs(t, err, ErrBadTicket)

	_, err = ParseNodeTicket("doc" + strings.Repeat("a", 10))
	require.ErrorIs(t, err, ErrBadTicket)

	empty := NodeTicket{}.String()
	_, err = ParseNodeTicket(empty)
	require.ErrorIs(t, err, ErrBadTicket)
}

func TestDocTicketWriteRoundTrip(t *testing.T) {
	ns, err := crypto.GenerateSecretKey()
	require.NoError(t, err)
	tk := DocTicket{
		Capability: Write,
		Namespace:  ns.Public(),
		Secret:     ns.String(),
		Nodes:      []network.NodeAddr{testAddr(t)},
	}
	got, err := ParseDocTicket(tk.String())
	require.NoError(t, err)
	require.Equal(t, tk, got)
}

func TestDocTicketValidation(t *testing.T) {
	ns, err := crypto.GenerateSecretKey()
	require.NoError(t, err)
	other, err := crypto.GenerateSecretKey()
	require.NoError(t, err)

	mismatched := DocTicket{Capability: Write, Namespace: ns.Public(), Secret: other.String()}
	_, err = ParseDocTicket(mismatched.String())
	require.ErrorIs(t, err, ErrBadTicket)

	leaky := DocTicket{Capability: Read, Namespace: ns.Public(), Secret: ns.String()}
	_, err = ParseDocTicket(leaky.String())
	require.ErrorIs(t, err, ErrBadTicket)

	read := DocTicket{Capability: Read, Namespace: ns.Public()}
	got, err := ParseDocTicket(read.String())
	require.NoError(t, err)
	require.Equal(t, Read, got.Capability)
}
