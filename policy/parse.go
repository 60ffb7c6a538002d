package policy

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stackmate/keypolicy/build"
	"github.com/stackmate/keypolicy/errorcodes"
	"github.com/stackmate/keypolicy/internal/exprtree"
	"github.com/stackmate/keypolicy/keychain"
)

// MaxTimelock bounds after and older values. Larger values would set the
// disable flag of nSequence or overflow the script number encoding.
const MaxTimelock = 1<<31 - 1

// Policy is a parsed satisfaction tree together with the keys its leaves
// refer to.
type Policy struct {
	// Root is the top of the satisfaction tree.
	Root Node

	// Keys resolves every key identifier of Root. Aliases stay
	// unresolved until supplied through WithKeys.
	Keys keychain.KeyMap
}

// Parse parses policy text:
//
//	pk(KEY) | after(N) | older(N) | thresh(K,E1,...,En) | and(E1,E2) |
//	or(E1,E2) | multi(K,KEY1,...,KEYn)
//
// KEY is a key expression or an @alias.
func Parse(text string) (*Policy, error) {
	tree, err := exprtree.Parse(text)
	if err != nil {
		return nil, errorcodes.Wrap(errorcodes.InvalidPolicy, err, "")
	}

	p := &Policy{Keys: make(keychain.KeyMap)}
	p.Root, err = p.parseNode(tree)
	if err != nil {
		return nil, err
	}

	log.Tracef("Parsed policy with %d keys: %v", len(p.Keys),
		build.NewLogClosure(func() string { return String(p.Root) }))

	return p, nil
}

func invalidAt(t *exprtree.Tree, format string, a ...interface{}) error {
	return errorcodes.Wrap(
		errorcodes.InvalidPolicy,
		&exprtree.SyntaxError{
			Pos: t.Pos,
			Msg: fmt.Sprintf(format, a...),
		}, "",
	)
}

func (p *Policy) parseNode(t *exprtree.Tree) (Node, error) {
	switch t.Name {
	case "pk":
		if len(t.Args) != 1 || !t.Args[0].IsLeaf() {
			return nil, invalidAt(t, "pk takes one key")
		}
		id, err := p.parseKey(t.Args[0])
		if err != nil {
			return nil, err
		}

		return Key{ID: id}, nil

	case "after", "older":
		if len(t.Args) != 1 || !t.Args[0].IsLeaf() {
			return nil, invalidAt(t, "%s takes one number", t.Name)
		}
		value, err := parseTimelock(t.Args[0])
		if err != nil {
			return nil, err
		}
		if t.Name == "after" {
			return After{Value: value}, nil
		}

		return Older{Value: value}, nil

	case "and", "or":
		if len(t.Args) != 2 {
			return nil, invalidAt(t, "%s takes two policies, got %d",
				t.Name, len(t.Args))
		}
		subs, err := p.parseSubs(t.Args)
		if err != nil {
			return nil, err
		}
		if t.Name == "and" {
			return And(subs...), nil
		}

		return Or(subs...), nil

	case "thresh":
		if len(t.Args) < 2 {
			return nil, invalidAt(t, "thresh takes a threshold and "+
				"at least one policy")
		}
		k, err := parseThreshold(t.Args[0], len(t.Args)-1)
		if err != nil {
			return nil, err
		}
		subs, err := p.parseSubs(t.Args[1:])
		if err != nil {
			return nil, err
		}

		return Thresh{K: k, Subs: subs}, nil

	case "multi":
		if len(t.Args) < 2 {
			return nil, invalidAt(t, "multi takes a threshold and "+
				"at least one key")
		}
		k, err := parseThreshold(t.Args[0], len(t.Args)-1)
		if err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(t.Args)-1)
		for _, arg := range t.Args[1:] {
			if !arg.IsLeaf() {
				return nil, invalidAt(arg, "multi takes keys")
			}
			id, err := p.parseKey(arg)
			if err != nil {
				return nil, err
			}
			keys = append(keys, id)
		}

		return Multi{K: k, Keys: keys}, nil

	default:
		if t.IsLeaf() {
			return nil, invalidAt(t, "expected a policy, got %q",
				t.Name)
		}

		return nil, invalidAt(t, "unknown policy fragment %q", t.Name)
	}
}

func (p *Policy) parseSubs(args []*exprtree.Tree) ([]Node, error) {
	subs := make([]Node, 0, len(args))
	for _, arg := range args {
		sub, err := p.parseNode(arg)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

// parseKey registers inline key expressions in the key map. Aliases are kept
// as identifiers only.
func (p *Policy) parseKey(t *exprtree.Tree) (string, error) {
	id := t.Name
	if keychain.IsAlias(id) {
		if len(id) == 1 {
			return "", invalidAt(t, "empty key alias")
		}

		return id, nil
	}

	expr, err := keychain.ParseKeyExpr(id)
	if err != nil {
		return "", invalidAt(t, "%v", err)
	}
	p.Keys[id] = expr

	return id, nil
}

func parseNumber(t *exprtree.Tree) (uint64, error) {
	if !t.IsLeaf() || t.Name == "" || t.Name[0] < '0' || t.Name[0] > '9' {
		return 0, invalidAt(t, "expected a number, got %q", t.String())
	}

	n, err := strconv.ParseUint(t.Name, 10, 32)
	if err != nil {
		return 0, invalidAt(t, "expected a number, got %q", t.Name)
	}

	return n, nil
}

func parseTimelock(t *exprtree.Tree) (uint32, error) {
	n, err := parseNumber(t)
	if err != nil {
		return 0, err
	}
	if n == 0 || n > MaxTimelock {
		return 0, invalidAt(t, "timelock %d out of range [1, %d]", n,
			MaxTimelock)
	}

	return uint32(n), nil
}

func parseThreshold(t *exprtree.Tree, n int) (int, error) {
	k, err := parseNumber(t)
	if err != nil {
		return 0, err
	}
	if k == 0 || k > uint64(n) {
		return 0, invalidAt(t, "threshold %d out of range [1, %d]", k, n)
	}

	return int(k), nil
}

// String returns the canonical text of the policy.
func (p *Policy) String() string {
	return String(p.Root)
}

// WithKeys returns a copy of the policy whose key map also holds keys. Keys
// already known to the policy take precedence.
func (p *Policy) WithKeys(keys keychain.KeyMap) *Policy {
	return &Policy{Root: p.Root, Keys: p.Keys.Merge(keys)}
}

// Validate checks threshold and timelock bounds and that every key
// identifier resolves.
func (p *Policy) Validate() error {
	return Validate(p.Root, p.Keys)
}

// Validate checks a satisfaction tree against a key map.
func Validate(root Node, keys keychain.KeyMap) error {
	if root == nil {
		return errorcodes.New(errorcodes.InvalidPolicy, "empty policy")
	}

	return Walk(root, func(n Node) error {
		switch n := n.(type) {
		case Key:
			_, err := keys.Resolve(n.ID)
			return err

		case After:
			return checkTimelock("after", n.Value)

		case Older:
			return checkTimelock("older", n.Value)

		case Thresh:
			if n.K < 1 || n.K > len(n.Subs) {
				return errorcodes.Newf(
					errorcodes.InvalidPolicy,
					"threshold %d of %d children", n.K,
					len(n.Subs),
				)
			}

			return nil

		case Multi:
			if n.K < 1 || n.K > len(n.Keys) {
				return errorcodes.Newf(
					errorcodes.InvalidPolicy,
					"multi threshold %d of %d keys", n.K,
					len(n.Keys),
				)
			}
			if len(n.Keys) > txscript.MaxPubKeysPerMultiSig {
				return errorcodes.Newf(
					errorcodes.InvalidPolicy,
					"multi with %d keys exceeds %d",
					len(n.Keys), txscript.MaxPubKeysPerMultiSig,
				)
			}
			for _, id := range n.Keys {
				if _, err := keys.Resolve(id); err != nil {
					return err
				}
			}

			return nil

		default:
			return unsupported(n)
		}
	})
}

func checkTimelock(name string, value uint32) error {
	if value == 0 || value > MaxTimelock {
		return errorcodes.Newf(
			errorcodes.InvalidPolicy, "%s(%d) out of range", name,
			value,
		)
	}

	return nil
}

// IsSyntaxError reports whether err carries the position of a parse
// failure.
func IsSyntaxError(err error) bool {
	var syntaxErr *exprtree.SyntaxError
	return errors.As(err, &syntaxErr)
}
