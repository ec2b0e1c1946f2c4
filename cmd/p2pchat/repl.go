package main

import (
	"fmt"
	"io"
	"strings"
)

// replHandlers are the actions behind the room REPL commands.
type replHandlers struct {
	add     func(label string)
	update  func(id, label string)
	del     func(id string)
	restore func(id string)
	list    func()
	ticket  func()
	status  func()
	unknown func(w io.Writer)
}

const replHelp = `commands:
  add <text>            add a message
  update <id> <text>    change a message
  delete <id>           delete a message
  restore <id>          undo a delete
  list                  show messages
  ticket                print the room ticket
  status                show node status
  quit                  leave`

// dispatchRepl runs one REPL line and reports whether the loop should end.
func dispatchRepl(line string, w io.Writer, h replHandlers) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(cmd) {
	case "quit", "exit":
		return true
	case "help", "?":
		fmt.Fprintln(w, replHelp)
	case "add":
		if rest == "" {
			fmt.Fprintln(w, "usage: add <text>")
			return false
		}
		if h.add != nil {
			h.add(rest)
		}
	case "update":
		id, label, ok := strings.Cut(rest, " ")
		if !ok || id == "" {
			fmt.Fprintln(w, "usage: update <id> <text>")
			return false
		}
		if h.update != nil {
			h.update(id, strings.TrimSpace(label))
		}
	case "delete", "rm":
		if rest == "" {
			fmt.Fprintln(w, "usage: delete <id>")
			return false
		}
		if h.del != nil {
			h.del(rest)
		}
	case "restore":
		if rest == "" {
			fmt.Fprintln(w, "usage: restore <id>")
			return false
		}
		if h.restore != nil {
			h.restore(rest)
		}
	case "list", "ls":
		if h.list != nil {
			h.list()
		}
	case "ticket":
		if h.ticket != nil {
			h.ticket()
		}
	case "status":
		if h.status != nil {
			h.status()
		}
	default:
		if h.unknown != nil {
			h.unknown(w)
		}
	}
	return false
}
