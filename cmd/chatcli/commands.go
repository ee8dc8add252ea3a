package main

import "strings"

type commandKind int

const (
	cmdNone commandKind = iota
	cmdSend
	cmdWho
	cmdLeave
	cmdJoin
	cmdQuit
	cmdInvalid
)

type command struct {
	kind   commandKind
	target string
	text   string
}

// parseLine turns one input line into a command. For cmdInvalid, text holds the reason.
func parseLine(line string) command {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{kind: cmdNone}
	}

	switch {
	case strings.HasPrefix(line, "@"):
		target, text, _ := strings.Cut(line[1:], " ")
		text = strings.TrimSpace(text)
		if target == "" || text == "" {
			return command{kind: cmdInvalid, text: "usage: @name text"}
		}
		return command{kind: cmdSend, target: target, text: text}

	case strings.HasPrefix(line, "/"):
		switch strings.ToLower(line[1:]) {
		case "who":
			return command{kind: cmdWho}
		case "leave":
			return command{kind: cmdLeave}
		case "join":
			return command{kind: cmdJoin}
		case "quit", "exit":
			return command{kind: cmdQuit}
		}
		return command{kind: cmdInvalid, text: "unknown command " + line}
	}

	return command{kind: cmdInvalid, text: "messages are direct: @name text"}
}
