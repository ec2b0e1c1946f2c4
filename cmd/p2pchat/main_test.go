package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"p2pchat/internal/crypto"
)

func runCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(strings.NewReader(stdin))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestKeygen(t *testing.T) {
	out, err := runCmd(t, "", "keygen")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	var secret, id string
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, "secret: "); ok {
			secret = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "id:"); ok {
			id = strings.TrimSpace(v)
		}
	}
	sk, err := crypto.ParseSecretKey(secret)
	if err != nil {
		t.Fatalf("parse secret %q: %v", secret, err)
	}
	if sk.Public().String() != id {
		t.Fatalf("id %q does not match secret", id)
	}
}

func TestIDFromSecretEnv(t *testing.T) {
	sk, err := crypto.GenerateSecretKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	t.Setenv("P2PCHAT_SECRET", sk.String())
	out, err := runCmd(t, "", "id")
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	if strings.TrimSpace(out) != sk.Public().String() {
		t.Fatalf("unexpected id output %q", out)
	}
}

func TestIDStableInDataDir(t *testing.T) {
	t.Setenv("P2PCHAT_SECRET", "")
	dir := t.TempDir()
	first, err := runCmd(t, "", "id", "--data-dir", dir)
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	second, err := runCmd(t, "", "id", "--data-dir", dir)
	if err != nil {
		t.Fatalf("id again: %v", err)
	}
	if first != second || strings.TrimSpace(first) == "" {
		t.Fatalf("expected stable id, got %q and %q", first, second)
	}
}

func TestBadFramingFlag(t *testing.T) {
	if _, err := runCmd(t, "", "id", "--framing", "carrier-pigeon"); err == nil {
		t.Fatalf("expected framing error")
	}
}

func TestRoomScript(t *testing.T) {
	t.Setenv("P2PCHAT_SECRET", "")
	dir := t.TempDir()
	script := "add hello room\nlist\nbogus\nquit\n"
	out, err := runCmd(t, script, "room", "--listen", "127.0.0.1:0", "--data-dir", dir)
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	for _, want := range []string{"room ticket: doc", "added ", "hello room", "unknown command"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}

	stats, err := runCmd(t, "", "stats", "--data-dir", dir)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(stats, "entries: local=1") {
		t.Fatalf("expected local entry counted, got:\n%s", stats)
	}
}

func TestChatHostQuits(t *testing.T) {
	t.Setenv("P2PCHAT_SECRET", "")
	out, err := runCmd(t, "/status\n/quit\n", "chat", "--listen", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !strings.Contains(out, "ticket: node") || !strings.Contains(out, "session: ") {
		t.Fatalf("unexpected chat output:\n%s", out)
	}
}
