// Package exprtree tokenizes the name(arg,arg,...) expressions shared by the
// policy, miniscript and descriptor languages into a tree.
package exprtree

import (
	"fmt"
	"strings"
)

// MaxDepth bounds the nesting of parsed expressions.
const MaxDepth = 400

// Tree is one expression: a name followed by an optional argument list.
// Leaves such as keys and numbers have no arguments.
type Tree struct {
	// Name is the text before the opening parenthesis, trimmed of
	// whitespace.
	Name string

	// Args holds the parsed arguments.
	Args []*Tree

	// Pos is the byte offset of Name in the input.
	Pos int

	opened bool
	closed bool
}

// IsLeaf reports whether the expression has no argument list.
func (t *Tree) IsLeaf() bool {
	return len(t.Args) == 0
}

// String renders the expression without whitespace.
func (t *Tree) String() string {
	if t.IsLeaf() {
		return t.Name
	}

	args := make([]string, len(t.Args))
	for i, arg := range t.Args {
		args[i] = arg.String()
	}

	return t.Name + "(" + strings.Join(args, ",") + ")"
}

// SyntaxError reports where an expression failed to parse.
type SyntaxError struct {
	// Pos is the byte offset of the offending token.
	Pos int

	// Msg describes the problem.
	Msg string
}

// Error returns the message with its position.
func (e *SyntaxError) Error() string {
	return fmt.Sprintf("at position %d: %s", e.Pos, e.Msg)
}

type token struct {
	text string
	pos  int
}

func (t token) isSeparator() bool {
	return len(t.text) == 1 && isSeparator(t.text[0])
}

func isSeparator(c byte) bool {
	return c == '(' || c == ')' || c == ','
}

// tokenize splits s into names and single character separators, dropping
// surrounding whitespace but keeping the offset of each token.
func tokenize(s string) []token {
	var tokens []token
	start := 0
	flush := func(end int) {
		raw := s[start:end]
		text := strings.TrimSpace(raw)
		if text != "" {
			offset := strings.Index(raw, text)
			tokens = append(tokens, token{text: text, pos: start + offset})
		}
	}

	for i := 0; i < len(s); i++ {
		if !isSeparator(s[i]) {
			continue
		}

		flush(i)
		tokens = append(tokens, token{text: s[i : i+1], pos: i})
		start = i + 1
	}
	flush(len(s))

	return tokens
}

func errAt(pos int, format string, a ...interface{}) *SyntaxError {
	return &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, a...)}
}

// Parse turns s into an expression tree. Every name must be followed by
// either nothing, or a parenthesised, comma separated list of non empty
// arguments.
func Parse(s string) (*Tree, error) {
	tokens := tokenize(s)
	if len(tokens) == 0 {
		return nil, errAt(0, "empty expression")
	}

	var stack []*Tree
	for i, tok := range tokens {
		var prev token
		if i > 0 {
			prev = tokens[i-1]
		}

		switch tok.text {
		case "(":
			// Only a bare name may open an argument list.
			if i == 0 || prev.isSeparator() {
				return nil, errAt(tok.pos, "unexpected '('")
			}
			if len(stack) > MaxDepth {
				return nil, errAt(tok.pos, "expression nested "+
					"too deeply")
			}
			stack[len(stack)-1].opened = true

		case ",", ")":
			// Both end an argument, which cannot be empty.
			if i == 0 || prev.text == "(" || prev.text == "," {
				return nil, errAt(tok.pos, "empty argument "+
					"before '%s'", tok.text)
			}

			if len(stack) < 2 {
				return nil, errAt(tok.pos, "unbalanced '%s'",
					tok.text)
			}
			arg := stack[len(stack)-1]
			parent := stack[len(stack)-2]
			if arg.opened && !arg.closed {
				return nil, errAt(tok.pos, "missing ')' after "+
					"%q", arg.Name)
			}
			if !parent.opened || parent.closed {
				return nil, errAt(tok.pos, "unbalanced '%s'",
					tok.text)
			}

			stack = stack[:len(stack)-1]
			parent.Args = append(parent.Args, arg)
			if tok.text == ")" {
				parent.closed = true
			}

		default:
			// Names start the input or an argument.
			if i > 0 && prev.text != "(" && prev.text != "," {
				return nil, errAt(tok.pos, "unexpected %q",
					tok.text)
			}
			if strings.ContainsAny(tok.text, " \t\r\n") {
				return nil, errAt(tok.pos, "whitespace inside "+
					"%q", tok.text)
			}
			stack = append(stack, &Tree{Name: tok.text, Pos: tok.pos})
		}
	}

	if len(stack) != 1 {
		return nil, errAt(len(s), "unbalanced expression")
	}

	root := stack[0]
	if root.opened && !root.closed {
		return nil, errAt(len(s), "missing ')' after %q", root.Name)
	}

	return root, nil
}
