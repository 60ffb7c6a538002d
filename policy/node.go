package policy

import (
	"strconv"
	"strings"

	"github.com/stackmate/keypolicy/errorcodes"
)

// Node is a satisfaction tree node. The set of implementations is closed:
// Key, After, Older, Thresh and Multi.
type Node interface {
	isNode()
}

// Key requires a signature of the key with the given identifier.
type Key struct {
	// ID is the key identifier, resolved through a key map.
	ID string
}

// After requires an absolute timelock of Value, a block height below
// 500000000 and a unix time otherwise.
type After struct {
	Value uint32
}

// Older requires a relative timelock of Value in the nSequence encoding.
type Older struct {
	Value uint32
}

// Thresh requires K of its children. OR is a Thresh with K = 1 and AND one
// with K equal to the number of children.
type Thresh struct {
	K    int
	Subs []Node
}

// Multi requires signatures of K of the listed keys.
type Multi struct {
	K    int
	Keys []string
}

func (Key) isNode()    {}
func (After) isNode()  {}
func (Older) isNode()  {}
func (Thresh) isNode() {}
func (Multi) isNode()  {}

// And builds a Thresh requiring every child.
func And(subs ...Node) Thresh {
	return Thresh{K: len(subs), Subs: subs}
}

// Or builds a Thresh requiring any one child.
func Or(subs ...Node) Thresh {
	return Thresh{K: 1, Subs: subs}
}

func unsupported(n Node) error {
	return errorcodes.Newf(
		errorcodes.UnsupportedPolicyItem, "unknown policy node %T", n,
	)
}

// String renders the canonical policy text of n. Two child thresholds
// requiring one or both children print as or and and.
func String(n Node) string {
	var b strings.Builder
	writeNode(&b, n)

	return b.String()
}

func writeNode(b *strings.Builder, n Node) {
	switch n := n.(type) {
	case Key:
		b.WriteString("pk(" + n.ID + ")")

	case After:
		b.WriteString("after(" + strconv.FormatUint(uint64(n.Value), 10) +
			")")

	case Older:
		b.WriteString("older(" + strconv.FormatUint(uint64(n.Value), 10) +
			")")

	case Thresh:
		switch {
		case len(n.Subs) == 2 && n.K == 1:
			b.WriteString("or(")
		case len(n.Subs) == 2 && n.K == 2:
			b.WriteString("and(")
		default:
			b.WriteString("thresh(" + strconv.Itoa(n.K) + ",")
		}
		for i, sub := range n.Subs {
			if i > 0 {
				b.WriteString(",")
			}
			writeNode(b, sub)
		}
		b.WriteString(")")

	case Multi:
		b.WriteString("multi(" + strconv.Itoa(n.K))
		for _, id := range n.Keys {
			b.WriteString("," + id)
		}
		b.WriteString(")")

	default:
		b.WriteString("<unknown>")
	}
}

// Walk calls f on n and every node below it, parents first. Walking stops at
// the first error.
func Walk(n Node, f func(Node) error) error {
	if err := f(n); err != nil {
		return err
	}

	if thresh, ok := n.(Thresh); ok {
		for _, sub := range thresh.Subs {
			if err := Walk(sub, f); err != nil {
				return err
			}
		}
	}

	return nil
}

// KeyIDs returns the key identifiers of n in order of first appearance.
func KeyIDs(n Node) []string {
	var (
		ids  []string
		seen = make(map[string]struct{})
	)
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	_ = Walk(n, func(n Node) error {
		switch n := n.(type) {
		case Key:
			add(n.ID)
		case Multi:
			for _, id := range n.Keys {
				add(id)
			}
		}

		return nil
	})

	return ids
}
