package debuglog

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestInitLevelFiltersDebug(t *testing.T) {
	t.Setenv("P2PCHAT_DEBUG", "")
	var buf bytes.Buffer
	if err := Init(&buf, "info", "json"); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	t.Cleanup(func() { _ = Init(nil, "info", "") })
	Debugf("hidden %d", 1)
	Logf("shown %d", 2)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked at info level: %s", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Fatalf("expected info line, got %s", out)
	}
}

func TestInitRejectsBadLevel(t *testing.T) {
	if err := Init(nil, "loud", ""); err == nil {
		t.Fatalf("expected bad level error")
	}
}

func TestRateLimitedf(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(&buf, "debug", "json"); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	t.Cleanup(func() { _ = Init(nil, "info", "") })
	for i := 0; i < 5; i++ {
		RateLimitedf("k", time.Hour, "tick %d", i)
	}
	if n := strings.Count(buf.String(), "tick"); n != 1 {
		t.Fatalf("expected 1 rate limited line, got %d", n)
	}
}

func TestWithTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(&buf, "info", "json"); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	t.Cleanup(func() { _ = Init(nil, "info", "") })
	l := With("session")
	l.Info().Msg("hello")
	if !strings.Contains(buf.String(), `"component":"session"`) {
		t.Fatalf("missing component field: %s", buf.String())
	}
}
