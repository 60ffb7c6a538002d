package miniscript

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Fragment identifies a miniscript fragment after wrappers are expanded and
// syntactic sugar is removed.
type Fragment uint8

const (
	// False is the fragment 0.
	False Fragment = iota

	// True is the fragment 1.
	True

	// PkK is pk_k(key): push the key.
	PkK

	// PkH is pk_h(key): check the key against its hash.
	PkH

	// Older is older(n): relative timelock.
	Older

	// After is after(n): absolute timelock.
	After

	// Sha256 is sha256(h).
	Sha256

	// Hash256 is hash256(h).
	Hash256

	// Ripemd160 is ripemd160(h).
	Ripemd160

	// Hash160 is hash160(h).
	Hash160

	// AndOr is andor(X,Y,Z): if X then Y else Z.
	AndOr

	// AndV is and_v(X,Y).
	AndV

	// AndB is and_b(X,Y).
	AndB

	// OrB is or_b(X,Z).
	OrB

	// OrC is or_c(X,Z).
	OrC

	// OrD is or_d(X,Z).
	OrD

	// OrI is or_i(X,Z).
	OrI

	// Thresh is thresh(k,X1,...,Xn).
	Thresh

	// Multi is multi(k,key1,...,keyn).
	Multi

	// SortedMulti is sortedmulti(k,key1,...,keyn). It only appears at
	// the top of a sh or wsh descriptor.
	SortedMulti

	// WrapA is the a: wrapper.
	WrapA

	// WrapS is the s: wrapper.
	WrapS

	// WrapC is the c: wrapper.
	WrapC

	// WrapD is the d: wrapper.
	WrapD

	// WrapV is the v: wrapper.
	WrapV

	// WrapJ is the j: wrapper.
	WrapJ

	// WrapN is the n: wrapper.
	WrapN
)

var fragmentNames = map[Fragment]string{
	False:       "0",
	True:        "1",
	PkK:         "pk_k",
	PkH:         "pk_h",
	Older:       "older",
	After:       "after",
	Sha256:      "sha256",
	Hash256:     "hash256",
	Ripemd160:   "ripemd160",
	Hash160:     "hash160",
	AndOr:       "andor",
	AndV:        "and_v",
	AndB:        "and_b",
	OrB:         "or_b",
	OrC:         "or_c",
	OrD:         "or_d",
	OrI:         "or_i",
	Thresh:      "thresh",
	Multi:       "multi",
	SortedMulti: "sortedmulti",
	WrapA:       "a",
	WrapS:       "s",
	WrapC:       "c",
	WrapD:       "d",
	WrapV:       "v",
	WrapJ:       "j",
	WrapN:       "n",
}

// String returns the fragment name as written in miniscript.
func (f Fragment) String() string {
	if name, ok := fragmentNames[f]; ok {
		return name
	}

	return fmt.Sprintf("Fragment(%d)", uint8(f))
}

// IsWrapper reports whether f is one of the single letter wrappers.
func (f Fragment) IsWrapper() bool {
	return f >= WrapA && f <= WrapN
}

// isHash reports whether f is a hash preimage fragment.
func (f Fragment) isHash() bool {
	return f >= Sha256 && f <= Hash160
}

// hashLen returns the digest size the hash fragment f commits to.
func (f Fragment) hashLen() int {
	if f == Sha256 || f == Hash256 {
		return 32
	}

	return 20
}

// Node is a type checked miniscript fragment.
type Node struct {
	// Fragment is the fragment of this node.
	Fragment Fragment

	// Key is the key identifier of pk_k and pk_h.
	Key string

	// Keys holds the key identifiers of multi and sortedmulti.
	Keys []string

	// Hash is the digest of a hash fragment.
	Hash []byte

	// K is the threshold of thresh and multi, or the value of older and
	// after.
	K uint32

	// Subs holds the sub fragments.
	Subs []*Node

	typ   Type
	locks timelocks
}

// Type returns the type of the node.
func (n *Node) Type() Type {
	return n.typ
}

// KeyIDs returns every key identifier below n in script order. Identifiers
// are repeated when the script repeats them.
func (n *Node) KeyIDs() []string {
	var ids []string
	n.walk(func(node *Node) {
		switch node.Fragment {
		case PkK, PkH:
			ids = append(ids, node.Key)
		case Multi, SortedMulti:
			ids = append(ids, node.Keys...)
		}
	})

	return ids
}

// walk visits n and its descendants, parents first.
func (n *Node) walk(f func(*Node)) {
	f(n)
	for _, sub := range n.Subs {
		sub.walk(f)
	}
}

// MapKeys returns a copy of n with every key identifier replaced by the
// result of f.
func (n *Node) MapKeys(f func(string) (string, error)) (*Node, error) {
	out := *n
	out.Subs = nil

	var err error
	if n.Key != "" {
		out.Key, err = f(n.Key)
		if err != nil {
			return nil, err
		}
	}
	if n.Keys != nil {
		out.Keys = make([]string, len(n.Keys))
		for i, id := range n.Keys {
			out.Keys[i], err = f(id)
			if err != nil {
				return nil, err
			}
		}
	}
	for _, sub := range n.Subs {
		mapped, err := sub.MapKeys(f)
		if err != nil {
			return nil, err
		}
		out.Subs = append(out.Subs, mapped)
	}

	return &out, nil
}

// String renders n as miniscript text, folding wrappers into prefixes and
// restoring the pk, pkh, and_n, t:, l: and u: shorthands.
func (n *Node) String() string {
	var b strings.Builder
	n.write(&b)

	return b.String()
}

func (n *Node) write(b *strings.Builder) {
	prefix, inner := n.splitWrappers()
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteByte(':')
	}
	inner.writeBare(b)
}

// splitWrappers collects the wrapper letters above the first fragment that
// is not written as a wrapper.
func (n *Node) splitWrappers() (string, *Node) {
	var prefix []byte
	for {
		switch {
		case n.Fragment == WrapC && (n.Subs[0].Fragment == PkK ||
			n.Subs[0].Fragment == PkH):

			return string(prefix), n

		case n.Fragment.IsWrapper():
			prefix = append(prefix, n.Fragment.String()[0])
			n = n.Subs[0]

		case n.Fragment == AndV && n.Subs[1].Fragment == True:
			prefix = append(prefix, 't')
			n = n.Subs[0]

		case n.Fragment == OrI && n.Subs[0].Fragment == False:
			prefix = append(prefix, 'l')
			n = n.Subs[1]

		case n.Fragment == OrI && n.Subs[1].Fragment == False:
			prefix = append(prefix, 'u')
			n = n.Subs[0]

		default:
			return string(prefix), n
		}
	}
}

func (n *Node) writeBare(b *strings.Builder) {
	switch n.Fragment {
	case False, True:
		b.WriteString(n.Fragment.String())

	case WrapC:
		if n.Subs[0].Fragment == PkK {
			b.WriteString("pk(" + n.Subs[0].Key + ")")
		} else {
			b.WriteString("pkh(" + n.Subs[0].Key + ")")
		}

	case PkK, PkH:
		b.WriteString(n.Fragment.String() + "(" + n.Key + ")")

	case Older, After:
		b.WriteString(n.Fragment.String() + "(" +
			strconv.FormatUint(uint64(n.K), 10) + ")")

	case Sha256, Hash256, Ripemd160, Hash160:
		b.WriteString(n.Fragment.String() + "(" +
			hex.EncodeToString(n.Hash) + ")")

	case Multi, SortedMulti:
		b.WriteString(n.Fragment.String() + "(" +
			strconv.FormatUint(uint64(n.K), 10))
		for _, id := range n.Keys {
			b.WriteString("," + id)
		}
		b.WriteByte(')')

	case AndOr:
		name := n.Fragment.String()
		subs := n.Subs
		if subs[2].Fragment == False {
			name, subs = "and_n", subs[:2]
		}
		writeCall(b, name, "", subs)

	case Thresh:
		writeCall(
			b, n.Fragment.String(),
			strconv.FormatUint(uint64(n.K), 10), n.Subs,
		)

	default:
		writeCall(b, n.Fragment.String(), "", n.Subs)
	}
}

func writeCall(b *strings.Builder, name, first string, subs []*Node) {
	b.WriteString(name + "(")
	if first != "" {
		b.WriteString(first)
		if len(subs) > 0 {
			b.WriteByte(',')
		}
	}
	for i, sub := range subs {
		if i > 0 {
			b.WriteByte(',')
		}
		sub.write(b)
	}
	b.WriteByte(')')
}
