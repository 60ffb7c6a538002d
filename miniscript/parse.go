package miniscript

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stackmate/keypolicy/internal/exprtree"
)

var fragmentsByName = func() map[string]Fragment {
	byName := make(map[string]Fragment, len(fragmentNames))
	for f, name := range fragmentNames {
		if !f.IsWrapper() {
			byName[name] = f
		}
	}

	return byName
}()

// Parse parses miniscript text into a type checked fragment tree. Key
// arguments are kept as identifiers. The result is not checked against the
// limits of a script context, see Sanity.
//
// The following steps are applied to every expression:
//  1. The wrapper letters before a colon are split from the name.
//  2. The arguments are checked and the fragment is built, replacing the
//     pk, pkh and and_n shorthands with their expanded forms.
//  3. The wrappers are applied innermost first, expanding t:, l: and u:.
//  4. The type of the result is computed from the types of its arguments.
func Parse(text string) (*Node, error) {
	tree, err := exprtree.Parse(text)
	if err != nil {
		return nil, err
	}

	return FromTree(tree)
}

// FromTree builds a fragment tree from an already parsed expression.
func FromTree(t *exprtree.Tree) (*Node, error) {
	wrappers, name, err := splitName(t)
	if err != nil {
		return nil, err
	}

	n, err := parseFragment(t, name)
	if err != nil {
		return nil, err
	}
	if err := n.check(); err != nil {
		return nil, errAt(t, "%v", err)
	}

	for i := len(wrappers) - 1; i >= 0; i-- {
		n, err = wrap(wrappers[i], n)
		if err != nil {
			return nil, errAt(t, "%v", err)
		}
	}

	return n, nil
}

func errAt(t *exprtree.Tree, format string, a ...interface{}) error {
	return &exprtree.SyntaxError{Pos: t.Pos, Msg: fmt.Sprintf(format, a...)}
}

func splitName(t *exprtree.Tree) (string, string, error) {
	parts := strings.Split(t.Name, ":")
	switch {
	case len(parts) == 1:
		return "", parts[0], nil

	case len(parts) > 2:
		return "", "", errAt(t, "too many colons in %q", t.Name)

	case parts[0] == "":
		return "", "", errAt(t, "no wrappers before colon in %q",
			t.Name)

	case parts[1] == "":
		return "", "", errAt(t, "no fragment after colon in %q",
			t.Name)

	default:
		return parts[0], parts[1], nil
	}
}

func expectArgs(t *exprtree.Tree, name string, num int) error {
	if len(t.Args) != num {
		return errAt(t, "%s expects %d arguments, got %d", name, num,
			len(t.Args))
	}

	return nil
}

func parseFragment(t *exprtree.Tree, name string) (*Node, error) {
	switch name {
	case "pk", "pkh":
		if err := expectArgs(t, name, 1); err != nil {
			return nil, err
		}
		key, err := parseKeyArg(t.Args[0])
		if err != nil {
			return nil, err
		}
		inner := &Node{Fragment: PkK, Key: key}
		if name == "pkh" {
			inner.Fragment = PkH
		}
		if err := inner.check(); err != nil {
			return nil, err
		}

		return checked(WrapC, inner)

	case "and_n":
		if err := expectArgs(t, name, 2); err != nil {
			return nil, err
		}
		subs, err := parseSubs(t.Args)
		if err != nil {
			return nil, err
		}
		zero, err := checked(False)
		if err != nil {
			return nil, err
		}

		return &Node{
			Fragment: AndOr,
			Subs:     append(subs, zero),
		}, nil
	}

	f, ok := fragmentsByName[name]
	if !ok {
		return nil, errAt(t, "unknown fragment %q", name)
	}
	n := &Node{Fragment: f}

	switch f {
	case False, True:
		if !t.IsLeaf() {
			return nil, errAt(t, "%v takes no arguments", f)
		}

	case PkK, PkH:
		if err := expectArgs(t, name, 1); err != nil {
			return nil, err
		}
		key, err := parseKeyArg(t.Args[0])
		if err != nil {
			return nil, err
		}
		n.Key = key

	case Older, After:
		if err := expectArgs(t, name, 1); err != nil {
			return nil, err
		}
		value, err := parseNumber(t.Args[0])
		if err != nil {
			return nil, err
		}
		if value == 0 || value >= 1<<31 {
			return nil, errAt(t.Args[0], "%s(n) needs 1 <= n < 2^31, "+
				"got %d", name, value)
		}
		n.K = value

	case Sha256, Hash256, Ripemd160, Hash160:
		if err := expectArgs(t, name, 1); err != nil {
			return nil, err
		}
		arg := t.Args[0]
		hash, err := hex.DecodeString(arg.Name)
		if err != nil || !arg.IsLeaf() || len(hash) != f.hashLen() {
			return nil, errAt(arg, "%s takes a %d byte hex digest",
				name, f.hashLen())
		}
		n.Hash = hash

	case AndOr:
		if err := expectArgs(t, name, 3); err != nil {
			return nil, err
		}
		subs, err := parseSubs(t.Args)
		if err != nil {
			return nil, err
		}
		n.Subs = subs

	case AndV, AndB, OrB, OrC, OrD, OrI:
		if err := expectArgs(t, name, 2); err != nil {
			return nil, err
		}
		subs, err := parseSubs(t.Args)
		if err != nil {
			return nil, err
		}
		n.Subs = subs

	case Thresh, Multi, SortedMulti:
		if len(t.Args) < 2 {
			return nil, errAt(t, "%s needs a threshold and at least "+
				"one argument", name)
		}
		k, err := parseNumber(t.Args[0])
		if err != nil {
			return nil, err
		}
		count := len(t.Args) - 1
		if k == 0 || k > uint32(count) {
			return nil, errAt(t.Args[0], "%s(k) needs 1 <= k <= %d, "+
				"got %d", name, count, k)
		}
		n.K = k

		if f == Thresh {
			n.Subs, err = parseSubs(t.Args[1:])
			if err != nil {
				return nil, err
			}

			break
		}

		if count > txscript.MaxPubKeysPerMultiSig {
			return nil, errAt(t, "%s takes at most %d keys", name,
				txscript.MaxPubKeysPerMultiSig)
		}
		for _, arg := range t.Args[1:] {
			key, err := parseKeyArg(arg)
			if err != nil {
				return nil, err
			}
			n.Keys = append(n.Keys, key)
		}
	}

	return n, nil
}

func parseSubs(args []*exprtree.Tree) ([]*Node, error) {
	subs := make([]*Node, 0, len(args))
	for _, arg := range args {
		sub, err := FromTree(arg)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

func parseKeyArg(t *exprtree.Tree) (string, error) {
	if !t.IsLeaf() {
		return "", errAt(t, "expected a key, got %q", t.String())
	}

	return t.Name, nil
}

func parseNumber(t *exprtree.Tree) (uint32, error) {
	if !t.IsLeaf() || t.Name == "" || t.Name[0] < '0' || t.Name[0] > '9' {
		return 0, errAt(t, "expected a number, got %q", t.String())
	}

	n, err := strconv.ParseUint(t.Name, 10, 32)
	if err != nil {
		return 0, errAt(t, "expected a number, got %q", t.Name)
	}

	return uint32(n), nil
}

// checked builds a node from f and subs and type checks it.
func checked(f Fragment, subs ...*Node) (*Node, error) {
	n := &Node{Fragment: f, Subs: subs}
	if err := n.check(); err != nil {
		return nil, err
	}

	return n, nil
}

// wrap applies the wrapper letter w to n.
func wrap(w byte, n *Node) (*Node, error) {
	switch w {
	case 'a':
		return checked(WrapA, n)
	case 's':
		return checked(WrapS, n)
	case 'c':
		return checked(WrapC, n)
	case 'd':
		return checked(WrapD, n)
	case 'v':
		return checked(WrapV, n)
	case 'j':
		return checked(WrapJ, n)
	case 'n':
		return checked(WrapN, n)

	case 't':
		one, err := checked(True)
		if err != nil {
			return nil, err
		}

		return checked(AndV, n, one)

	case 'l', 'u':
		zero, err := checked(False)
		if err != nil {
			return nil, err
		}
		if w == 'l' {
			return checked(OrI, zero, n)
		}

		return checked(OrI, n, zero)

	default:
		return nil, fmt.Errorf("unknown wrapper %q", w)
	}
}
