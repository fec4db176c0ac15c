// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package shellcmd composes POSIX shell command lines for execution inside
// a build container, in the style of a small, append-only script builder.
package shellcmd

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Part is either a bare string, used verbatim as an already-composed shell
// fragment, or a token slice where element 0 is the program name (emitted
// unquoted) and the remaining elements are arguments (each double-quoted).
type Part any

// Line builds a single POSIX shell command line by accumulating
// &&-sequenced statements, with optional trailing pipe/redirect.
type Line struct {
	s string
}

// New starts a new Line from one or more parts, AND-joined.
func New(parts ...Part) *Line {
	l := &Line{}
	return l.Then(parts...)
}

// Then appends parts to the line, AND-joined (&&) with whatever precedes it.
func (l *Line) Then(parts ...Part) *Line {
	rendered := make([]string, 0, len(parts))
	for _, p := range parts {
		rendered = append(rendered, format(p))
	}
	if l.s == "" {
		l.s = strings.Join(rendered, " && ")
	} else {
		l.s = strings.Join(append([]string{l.s}, rendered...), " && ")
	}
	return l
}

// Pipe appends cmd, piped (|) from whatever precedes it.
func (l *Line) Pipe(cmd Part) *Line {
	l.s = l.s + " | " + format(cmd)
	return l
}

// Redirect appends a truncating redirect (>) of the line's output to path.
func (l *Line) Redirect(path string) *Line {
	l.s = l.s + " > " + strconv.Quote(path)
	return l
}

// AppendTo appends an appending redirect (>>) of the line's output to path.
func (l *Line) AppendTo(path string) *Line {
	l.s = l.s + " >> " + strconv.Quote(path)
	return l
}

// Raw returns the accumulated statement without the /bin/sh -c wrapper.
func (l *Line) Raw() string {
	return l.s
}

// String renders the line wrapped as a single /bin/sh -c invocation.
func (l *Line) String() (string, error) {
	if strings.ContainsRune(l.s, '\'') {
		return "", errors.New("shellcmd: composed line contains an unescaped single quote")
	}
	return "/bin/sh -c '" + l.s + "'", nil
}

// MustString is String but panics on error; safe for use with
// statically-known parts where no caller-supplied value can carry a quote.
func (l *Line) MustString() string {
	s, err := l.String()
	if err != nil {
		panic(err)
	}
	return s
}

func format(p Part) string {
	switch v := p.(type) {
	case string:
		return v
	case []string:
		return formatTokens(v)
	case *Line:
		return v.s
	default:
		panic("shellcmd: unsupported part type")
	}
}

func formatTokens(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	parts := make([]string, 0, len(tokens))
	parts = append(parts, tokens[0])
	for _, arg := range tokens[1:] {
		parts = append(parts, strconv.Quote(arg))
	}
	return strings.Join(parts, " ")
}
