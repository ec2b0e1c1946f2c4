package main

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestReplDispatchStatusAndQuit(t *testing.T) {
	var statusCalls int
	handlers := replHandlers{
		status:  func() { statusCalls++ },
		unknown: func(_ io.Writer) {},
	}
	var out bytes.Buffer
	if dispatchRepl("status", &out, handlers) {
		t.Fatalf("status should not exit")
	}
	if !dispatchRepl("quit", &out, handlers) {
		t.Fatalf("quit should exit")
	}
	if statusCalls != 1 {
		t.Fatalf("expected status to be called once, got %d", statusCalls)
	}
}

func TestReplDispatchArguments(t *testing.T) {
	var got []string
	handlers := replHandlers{
		add:    func(label string) { got = append(got, "add:"+label) },
		update: func(id, label string) { got = append(got, "update:"+id+":"+label) },
		del:    func(id string) { got = append(got, "delete:"+id) },
	}
	var out bytes.Buffer
	for _, line := range []string{"add hello world", "update 01H  new text", "delete 01H", "update onlyid", "add", "bogus"} {
		if dispatchRepl(line, &out, handlers) {
			t.Fatalf("%q should not exit", line)
		}
	}
	want := []string{"add:hello world", "update:01H:new text", "delete:01H"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected calls %v", got)
	}
	if !strings.Contains(out.String(), "usage: update") || !strings.Contains(out.String(), "usage: add") {
		t.Fatalf("expected usage hints, got %q", out.String())
	}
}
