package miniscript

import (
	"github.com/stackmate/keypolicy/errorcodes"
	"github.com/stackmate/keypolicy/policy"
)

// liftKind tells whether a lifted fragment is a regular node or one of the
// constants, which thresholds fold away.
type liftKind uint8

const (
	liftedNode liftKind = iota
	liftedTrivial
	liftedUnsatisfiable
)

// Lift returns the satisfaction tree n implements. Wrappers are transparent,
// and_v and and_b require both sides, the or fragments either side, and
// andor(X,Y,Z) is or(and(X,Y),Z). Hash preimage fragments have no place in
// the tree and fail with UnsupportedPolicyItem. A miniscript that is always
// or never satisfiable fails with InvalidDescriptor.
func (n *Node) Lift() (policy.Node, error) {
	lifted, kind, err := n.lift()
	if err != nil {
		return nil, err
	}

	switch kind {
	case liftedTrivial:
		return nil, errorcodes.Newf(
			errorcodes.InvalidDescriptor, "%v is always satisfied", n,
		)

	case liftedUnsatisfiable:
		return nil, errorcodes.Newf(
			errorcodes.InvalidDescriptor, "%v can never be satisfied",
			n,
		)
	}

	return lifted, nil
}

func (n *Node) lift() (policy.Node, liftKind, error) {
	switch n.Fragment {
	case False:
		return nil, liftedUnsatisfiable, nil

	case True:
		return nil, liftedTrivial, nil

	case PkK, PkH:
		return policy.Key{ID: n.Key}, liftedNode, nil

	case After:
		return policy.After{Value: n.K}, liftedNode, nil

	case Older:
		return policy.Older{Value: n.K}, liftedNode, nil

	case Sha256, Hash256, Ripemd160, Hash160:
		return nil, 0, errorcodes.Newf(
			errorcodes.UnsupportedPolicyItem,
			"hash preimage fragment %v", n.Fragment,
		)

	case Multi, SortedMulti:
		return policy.Multi{
			K:    int(n.K),
			Keys: append([]string(nil), n.Keys...),
		}, liftedNode, nil

	case AndV, AndB:
		return liftThresh(2, n.Subs)

	case OrB, OrC, OrD, OrI:
		return liftThresh(1, n.Subs)

	case AndOr:
		both := &Node{Fragment: AndB, Subs: n.Subs[:2]}
		return liftThresh(1, []*Node{both, n.Subs[2]})

	case Thresh:
		return liftThresh(int(n.K), n.Subs)

	default:
		if n.Fragment.IsWrapper() {
			return n.Subs[0].lift()
		}

		return nil, 0, errorcodes.Newf(
			errorcodes.UnsupportedPolicyItem, "unknown fragment %v",
			n.Fragment,
		)
	}
}

// liftThresh lifts a k of n threshold. Trivial children lower k and
// unsatisfiable ones drop out of the count.
func liftThresh(k int, subs []*Node) (policy.Node, liftKind, error) {
	var children []policy.Node
	for _, sub := range subs {
		lifted, kind, err := sub.lift()
		if err != nil {
			return nil, 0, err
		}

		switch kind {
		case liftedTrivial:
			k--
		case liftedNode:
			children = append(children, lifted)
		}
	}

	switch {
	case k <= 0:
		return nil, liftedTrivial, nil

	case k > len(children):
		return nil, liftedUnsatisfiable, nil

	case len(children) == 1:
		return children[0], liftedNode, nil

	default:
		return policy.Thresh{K: k, Subs: children}, liftedNode, nil
	}
}
