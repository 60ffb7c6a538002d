package miniscript

import (
	"github.com/stackmate/keypolicy/build"
	"github.com/stackmate/keypolicy/errorcodes"
	"github.com/stackmate/keypolicy/keychain"
	"github.com/stackmate/keypolicy/policy"
)

// Compile lowers a satisfaction tree into a miniscript for ctx. Children are
// lowered in source order:
//
//   - Key, After, Older and Multi map to pk, after, older and multi.
//   - OR folds to the right into or_d when the left branch is Bdue, and
//     into or_i otherwise.
//   - AND folds to the right into and_v(v:X,Y).
//   - Other thresholds become thresh(k,X1,W2,...,Wn) with X1 made Bdu and
//     the rest made Wdu.
//
// The result must pass Sanity, otherwise a CompileError is returned.
func Compile(root policy.Node, keys keychain.KeyMap, ctx Context) (*Node,
	error) {

	if err := policy.Validate(root, keys); err != nil {
		return nil, err
	}

	n, err := lower(root)
	if err != nil {
		return nil, errorcodes.Wrap(errorcodes.CompileError, err, "")
	}
	if err := n.Sanity(ctx, keys); err != nil {
		return nil, errorcodes.Wrap(
			errorcodes.CompileError, err, "policy has no sound "+
				"script",
		)
	}

	log.Debugf("Compiled %v for %v context: %v",
		build.NewLogClosure(func() string {
			return policy.String(root)
		}), ctx, n)

	return n, nil
}

func lower(n policy.Node) (*Node, error) {
	switch n := n.(type) {
	case policy.Key:
		key := &Node{Fragment: PkK, Key: n.ID}
		if err := key.check(); err != nil {
			return nil, err
		}

		return checked(WrapC, key)

	case policy.After:
		after := &Node{Fragment: After, K: n.Value}
		return after, after.check()

	case policy.Older:
		older := &Node{Fragment: Older, K: n.Value}
		return older, older.check()

	case policy.Multi:
		multi := &Node{
			Fragment: Multi,
			K:        uint32(n.K),
			Keys:     append([]string(nil), n.Keys...),
		}

		return multi, multi.check()

	case policy.Thresh:
		subs := make([]*Node, 0, len(n.Subs))
		for _, sub := range n.Subs {
			lowered, err := lower(sub)
			if err != nil {
				return nil, err
			}
			subs = append(subs, lowered)
		}

		switch {
		case len(subs) == 1:
			return subs[0], nil

		case n.K == 1:
			return lowerOr(subs)

		case n.K == len(subs):
			return lowerAnd(subs)

		default:
			return lowerThresh(uint32(n.K), subs)
		}

	default:
		return nil, errorcodes.Newf(
			errorcodes.UnsupportedPolicyItem,
			"unknown policy node %T", n,
		)
	}
}

// lowerOr folds subs into nested two way ORs, rightmost innermost.
func lowerOr(subs []*Node) (*Node, error) {
	right := subs[len(subs)-1]
	for i := len(subs) - 2; i >= 0; i-- {
		left := subs[i]
		t := left.typ

		var err error
		if t.Base == TypeB && t.D && t.U && t.E {
			right, err = checked(OrD, left, right)
		} else {
			right, err = checked(OrI, left, right)
		}
		if err != nil {
			return nil, err
		}
	}

	return right, nil
}

// lowerAnd folds subs into nested and_v, rightmost innermost.
func lowerAnd(subs []*Node) (*Node, error) {
	right := subs[len(subs)-1]
	for i := len(subs) - 2; i >= 0; i-- {
		verify, err := checked(WrapV, subs[i])
		if err != nil {
			return nil, err
		}
		right, err = checked(AndV, verify, right)
		if err != nil {
			return nil, err
		}
	}

	return right, nil
}

func lowerThresh(k uint32, subs []*Node) (*Node, error) {
	args := make([]*Node, 0, len(subs))
	for i, sub := range subs {
		arg, err := toBdu(sub)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			arg, err = toW(arg)
			if err != nil {
				return nil, err
			}
		}
		args = append(args, arg)
	}

	thresh := &Node{Fragment: Thresh, K: k, Subs: args}

	return thresh, thresh.check()
}

// toBdu makes a B fragment dissatisfiable with l: and unit with n:.
func toBdu(n *Node) (*Node, error) {
	var err error
	if !n.typ.D {
		n, err = wrap('l', n)
		if err != nil {
			return nil, err
		}
	}
	if !n.typ.U {
		n, err = wrap('n', n)
		if err != nil {
			return nil, err
		}
	}

	return n, nil
}

// toW turns a Bdu fragment into a W one, using s: when it takes one stack
// element and a: otherwise.
func toW(n *Node) (*Node, error) {
	if n.typ.O {
		return wrap('s', n)
	}

	return wrap('a', n)
}
