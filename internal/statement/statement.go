// Package statement splits SQL scripts into statements and classifies them
// as local (session-only) or remote (submitted to the backend as a job).
package statement

import (
	"strings"
)

// localKeywords are statements handled by the client session without
// producing a backend job.
var localKeywords = []string{"use", "set", "clear", "print"}

type scanState int

const (
	stateNormal scanState = iota
	stateSingleQuote
	stateDoubleQuote
	stateBacktick
	stateLineComment
	stateBlockComment
)

// Split splits a script on ';' terminators. Semicolons inside quoted strings,
// backtick identifiers, line comments (-- and #) and block comments do not
// terminate a statement. Pieces are trimmed and empty pieces are dropped.
func Split(script string) []string {
	var (
		out   []string
		start int
		state = stateNormal
	)

	emit := func(end int) {
		piece := strings.TrimSpace(script[start:end])
		if piece != "" {
			out = append(out, piece)
		}
	}

	for i := 0; i < len(script); i++ {
		c := script[i]
		switch state {
		case stateNormal:
			switch {
			case c == ';':
				emit(i)
				start = i + 1
			case c == '\'':
				state = stateSingleQuote
			case c == '"':
				state = stateDoubleQuote
			case c == '`':
				state = stateBacktick
			case c == '#':
				state = stateLineComment
			case c == '-' && i+1 < len(script) && script[i+1] == '-':
				state = stateLineComment
				i++
			case c == '/' && i+1 < len(script) && script[i+1] == '*':
				state = stateBlockComment
				i++
			}
		case stateSingleQuote, stateDoubleQuote:
			quote := byte('\'')
			if state == stateDoubleQuote {
				quote = '"'
			}
			if c == '\\' {
				i++
			} else if c == quote {
				state = stateNormal
			}
		case stateBacktick:
			if c == '`' {
				state = stateNormal
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNormal
			}
		case stateBlockComment:
			if c == '*' && i+1 < len(script) && script[i+1] == '/' {
				state = stateNormal
				i++
			}
		}
	}
	emit(len(script))

	return out
}

// StripLeadingComments removes whitespace and any comments that precede the
// first token of a statement. An unterminated block comment swallows the rest.
func StripLeadingComments(s string) string {
	for {
		s = strings.TrimLeft(s, " \t\r\n")
		switch {
		case strings.HasPrefix(s, "--"), strings.HasPrefix(s, "#"):
			idx := strings.IndexByte(s, '\n')
			if idx < 0 {
				return ""
			}
			s = s[idx+1:]
		case strings.HasPrefix(s, "/*"):
			idx := strings.Index(s[2:], "*/")
			if idx < 0 {
				return ""
			}
			s = s[idx+4:]
		default:
			return s
		}
	}
}

// IsBlank reports whether a statement is empty once comments are removed.
func IsBlank(s string) bool {
	return strings.TrimSpace(StripLeadingComments(s)) == ""
}

// IsLocal reports whether a statement only affects the client session.
func IsLocal(s string) bool {
	s = strings.ToLower(StripLeadingComments(s))
	for _, kw := range localKeywords {
		if !strings.HasPrefix(s, kw) {
			continue
		}
		if len(s) == len(kw) || !isWordChar(s[len(kw)]) {
			return true
		}
	}
	return false
}

func isWordChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
