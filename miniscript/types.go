package miniscript

import (
	"fmt"
	"strings"

	"github.com/stackmate/keypolicy/policy"
)

// BaseType is the basic type of a fragment.
type BaseType uint8

const (
	// TypeB pushes a nonzero value on success and an exact 0 on
	// dissatisfaction.
	TypeB BaseType = iota

	// TypeV continues on success and aborts otherwise.
	TypeV

	// TypeK pushes a public key.
	TypeK

	// TypeW takes its input one below the top of the stack.
	TypeW
)

// String returns the single letter name of the type.
func (t BaseType) String() string {
	switch t {
	case TypeB:
		return "B"
	case TypeV:
		return "V"
	case TypeK:
		return "K"
	case TypeW:
		return "W"
	default:
		return fmt.Sprintf("BaseType(%d)", uint8(t))
	}
}

// Type is the basic type of a fragment together with its correctness and
// malleability properties.
type Type struct {
	Base BaseType

	// Z consumes no stack elements, O exactly one, N requires a nonzero
	// top element. D can be dissatisfied, U leaves exactly 1 on
	// satisfaction.
	Z, O, N, D, U bool

	// M has a non malleable satisfaction, S needs a signature on every
	// satisfaction, F has no dissatisfaction without a signature, E has
	// a unique dissatisfaction that needs no signature.
	M, S, F, E bool
}

// String renders the type as the base letter followed by its properties,
// e.g. "Bondu".
func (t Type) String() string {
	var b strings.Builder
	b.WriteString(t.Base.String())

	flags := []struct {
		set    bool
		letter byte
	}{
		{t.Z, 'z'}, {t.O, 'o'}, {t.N, 'n'}, {t.D, 'd'}, {t.U, 'u'},
		{t.M, 'm'}, {t.S, 's'}, {t.F, 'f'}, {t.E, 'e'},
	}
	for _, flag := range flags {
		if flag.set {
			b.WriteByte(flag.letter)
		}
	}

	return b.String()
}

func expectBase(n *Node, base BaseType) error {
	if n.typ.Base != base {
		return fmt.Errorf("%v expected to have type %v, but is type %v",
			n, base, n.typ.Base)
	}

	return nil
}

func wrongProps(n, parent *Node, want string) error {
	return fmt.Errorf("%v in %v must have properties %s, has %v", n,
		parent.Fragment, want, n.typ)
}

// timelocks records the kinds of timelock the satisfactions of a fragment
// may need. Mixed is set when a single satisfaction needs a height and a
// time of the same lock, which no transaction can meet.
type timelocks struct {
	absHeight, absTime bool
	relHeight, relTime bool
	mixed              bool
}

// and combines the timelocks of two fragments satisfied together.
func (l timelocks) and(other timelocks) timelocks {
	mixed := l.mixed || other.mixed ||
		(l.absHeight && other.absTime) ||
		(l.absTime && other.absHeight) ||
		(l.relHeight && other.relTime) ||
		(l.relTime && other.relHeight)

	combined := l.or(other)
	combined.mixed = mixed

	return combined
}

// or combines the timelocks of two fragments of which one is satisfied.
func (l timelocks) or(other timelocks) timelocks {
	return timelocks{
		absHeight: l.absHeight || other.absHeight,
		absTime:   l.absTime || other.absTime,
		relHeight: l.relHeight || other.relHeight,
		relTime:   l.relTime || other.relTime,
		mixed:     l.mixed || other.mixed,
	}
}

// checkTimelocks computes the timelocks of n from those of its sub
// fragments.
func (n *Node) checkTimelocks() {
	var locks timelocks
	switch n.Fragment {
	case After:
		locks.absHeight = policy.IsAbsoluteHeight(n.K)
		locks.absTime = !locks.absHeight

	case Older:
		locks.relHeight = policy.IsRelativeHeight(n.K)
		locks.relTime = !locks.relHeight

	case AndOr:
		x, y, z := n.Subs[0].locks, n.Subs[1].locks, n.Subs[2].locks
		locks = x.and(y).or(z)

	case AndV, AndB:
		locks = n.Subs[0].locks.and(n.Subs[1].locks)

	case OrB, OrC, OrD, OrI:
		locks = n.Subs[0].locks.or(n.Subs[1].locks)

	case Thresh:
		// With k above one any two arguments may be satisfied
		// together.
		for i, sub := range n.Subs {
			switch {
			case i == 0:
				locks = sub.locks
			case n.K > 1:
				locks = locks.and(sub.locks)
			default:
				locks = locks.or(sub.locks)
			}
		}

	default:
		if n.Fragment.IsWrapper() {
			locks = n.Subs[0].locks
		}
	}

	n.locks = locks
}

// check computes the type of n from the types of its sub fragments, which
// must already be checked.
func (n *Node) check() error {
	if err := n.checkCorrectness(); err != nil {
		return err
	}
	n.checkMalleability()
	n.checkTimelocks()

	return nil
}

// checkAll type checks n and every fragment below it, children first.
func (n *Node) checkAll() error {
	for _, sub := range n.Subs {
		if err := sub.checkAll(); err != nil {
			return err
		}
	}

	return n.check()
}

func (n *Node) checkCorrectness() error {
	t := &n.typ
	*t = Type{}

	switch n.Fragment {
	case False:
		t.Base, t.Z, t.U, t.D = TypeB, true, true, true

	case True:
		t.Base, t.Z, t.U = TypeB, true, true

	case PkK:
		t.Base, t.O, t.N, t.D, t.U = TypeK, true, true, true, true

	case PkH:
		t.Base, t.N, t.D, t.U = TypeK, true, true, true

	case Older, After:
		t.Base, t.Z = TypeB, true

	case Sha256, Hash256, Ripemd160, Hash160:
		t.Base, t.O, t.N, t.D, t.U = TypeB, true, true, true, true

	case Multi, SortedMulti:
		t.Base, t.N, t.D, t.U = TypeB, true, true, true

	case AndOr:
		x, y, z := n.Subs[0].typ, n.Subs[1].typ, n.Subs[2].typ
		if err := expectBase(n.Subs[0], TypeB); err != nil {
			return err
		}
		if !x.D || !x.U {
			return wrongProps(n.Subs[0], n, "du")
		}
		if y.Base == TypeW {
			return fmt.Errorf("%v: second argument must be B, K "+
				"or V", n.Fragment)
		}
		if z.Base != y.Base {
			return fmt.Errorf("%v: third argument must have the "+
				"type of the second, %v", n.Fragment, y.Base)
		}
		t.Base = y.Base
		t.Z = x.Z && y.Z && z.Z
		t.O = (x.Z && y.O && z.O) || (x.O && y.Z && z.Z)
		t.U = y.U && z.U
		t.D = z.D

	case AndV:
		x, y := n.Subs[0].typ, n.Subs[1].typ
		if err := expectBase(n.Subs[0], TypeV); err != nil {
			return err
		}
		if y.Base == TypeW {
			return fmt.Errorf("%v: second argument must be B, K "+
				"or V", n.Fragment)
		}
		t.Base = y.Base
		t.Z = x.Z && y.Z
		t.O = (x.Z && y.O) || (x.O && y.Z)
		t.N = x.N || (x.Z && y.N)
		t.U = y.U

	case AndB:
		x, y := n.Subs[0].typ, n.Subs[1].typ
		if err := expectBase(n.Subs[0], TypeB); err != nil {
			return err
		}
		if err := expectBase(n.Subs[1], TypeW); err != nil {
			return err
		}
		t.Base = TypeB
		t.Z = x.Z && y.Z
		t.O = (x.Z && y.O) || (x.O && y.Z)
		t.N = x.N || (x.Z && y.N)
		t.D = x.D && y.D
		t.U = true

	case OrB:
		x, z := n.Subs[0].typ, n.Subs[1].typ
		if err := expectBase(n.Subs[0], TypeB); err != nil {
			return err
		}
		if !x.D {
			return wrongProps(n.Subs[0], n, "d")
		}
		if err := expectBase(n.Subs[1], TypeW); err != nil {
			return err
		}
		if !z.D {
			return wrongProps(n.Subs[1], n, "d")
		}
		t.Base = TypeB
		t.Z = x.Z && z.Z
		t.O = (x.Z && z.O) || (x.O && z.Z)
		t.D, t.U = true, true

	case OrC, OrD:
		x, z := n.Subs[0].typ, n.Subs[1].typ
		if err := expectBase(n.Subs[0], TypeB); err != nil {
			return err
		}
		if !x.D || !x.U {
			return wrongProps(n.Subs[0], n, "du")
		}
		if n.Fragment == OrC {
			if err := expectBase(n.Subs[1], TypeV); err != nil {
				return err
			}
			t.Base = TypeV
		} else {
			if err := expectBase(n.Subs[1], TypeB); err != nil {
				return err
			}
			t.Base = TypeB
			t.D, t.U = z.D, z.U
		}
		t.Z = x.Z && z.Z
		t.O = x.O && z.Z

	case OrI:
		x, z := n.Subs[0].typ, n.Subs[1].typ
		if x.Base == TypeW {
			return fmt.Errorf("%v: first argument must be B, K "+
				"or V", n.Fragment)
		}
		if z.Base != x.Base {
			return fmt.Errorf("%v: second argument must have the "+
				"type of the first, %v", n.Fragment, x.Base)
		}
		t.Base = x.Base
		t.O = x.Z && z.Z
		t.U = x.U && z.U
		t.D = x.D || z.D

	case Thresh:
		for i, sub := range n.Subs {
			base := TypeW
			if i == 0 {
				base = TypeB
			}
			if err := expectBase(sub, base); err != nil {
				return err
			}
			if !sub.typ.D || !sub.typ.U {
				return wrongProps(sub, n, "du")
			}
		}

		// z when every argument is z, o when all but one are z and
		// that one is o.
		var notZ, o int
		for _, sub := range n.Subs {
			if !sub.typ.Z {
				notZ++
				if sub.typ.O {
					o++
				}
			}
		}
		t.Base = TypeB
		t.Z = notZ == 0
		t.O = notZ == 1 && o == 1
		t.D, t.U = true, true

	case WrapA, WrapS:
		x := n.Subs[0].typ
		if err := expectBase(n.Subs[0], TypeB); err != nil {
			return err
		}
		if n.Fragment == WrapS && !x.O {
			return wrongProps(n.Subs[0], n, "o")
		}
		t.Base = TypeW
		t.D, t.U = x.D, x.U

	case WrapC:
		x := n.Subs[0].typ
		if err := expectBase(n.Subs[0], TypeK); err != nil {
			return err
		}
		t.Base = TypeB
		t.O, t.N, t.D, t.U = x.O, x.N, x.D, true

	case WrapD:
		x := n.Subs[0].typ
		if err := expectBase(n.Subs[0], TypeV); err != nil {
			return err
		}
		if !x.Z {
			return wrongProps(n.Subs[0], n, "z")
		}
		t.Base = TypeB
		t.O, t.N, t.D = true, true, true

	case WrapV:
		x := n.Subs[0].typ
		if err := expectBase(n.Subs[0], TypeB); err != nil {
			return err
		}
		t.Base = TypeV
		t.Z, t.O, t.N = x.Z, x.O, x.N

	case WrapJ:
		x := n.Subs[0].typ
		if err := expectBase(n.Subs[0], TypeB); err != nil {
			return err
		}
		if !x.N {
			return wrongProps(n.Subs[0], n, "n")
		}
		t.Base = TypeB
		t.O, t.N, t.D, t.U = x.O, true, true, x.U

	case WrapN:
		x := n.Subs[0].typ
		if err := expectBase(n.Subs[0], TypeB); err != nil {
			return err
		}
		t.Base = TypeB
		t.Z, t.O, t.N, t.D, t.U = x.Z, x.O, x.N, x.D, true

	default:
		return fmt.Errorf("unknown fragment %v", n.Fragment)
	}

	return nil
}

func (n *Node) checkMalleability() {
	t := &n.typ

	switch n.Fragment {
	case False:
		t.M, t.S, t.E = true, true, true

	case True:
		t.M, t.F = true, true

	case PkK, PkH, Multi, SortedMulti:
		t.M, t.S, t.E = true, true, true

	case Older, After:
		t.M, t.F = true, true

	case Sha256, Hash256, Ripemd160, Hash160:
		t.M = true

	case AndOr:
		x, y, z := n.Subs[0].typ, n.Subs[1].typ, n.Subs[2].typ
		t.M = x.M && y.M && z.M && x.E && (x.S || y.S || z.S)
		t.S = z.S && (x.S || y.S)
		t.F = z.F && (x.S || y.F)
		t.E = z.E && (x.S || y.F)

	case AndV:
		x, y := n.Subs[0].typ, n.Subs[1].typ
		t.M = x.M && y.M
		t.S = x.S || y.S
		t.F = x.S || y.F

	case AndB:
		x, y := n.Subs[0].typ, n.Subs[1].typ
		t.M = x.M && y.M
		t.S = x.S || y.S
		t.F = (x.F && y.F) || (x.S && x.F) || (y.S && y.F)
		t.E = x.E && y.E && x.S && y.S

	case OrB:
		x, z := n.Subs[0].typ, n.Subs[1].typ
		t.M = x.M && z.M && x.E && z.E && (x.S || z.S)
		t.S = x.S && z.S
		t.E = true

	case OrC:
		x, z := n.Subs[0].typ, n.Subs[1].typ
		t.M = x.M && z.M && x.E && (x.S || z.S)
		t.S = x.S && z.S
		t.F = true

	case OrD:
		x, z := n.Subs[0].typ, n.Subs[1].typ
		t.M = x.M && z.M && x.E && (x.S || z.S)
		t.S = x.S && z.S
		t.F = z.F
		t.E = x.E && z.E

	case OrI:
		x, z := n.Subs[0].typ, n.Subs[1].typ
		t.M = x.M && z.M && (x.S || z.S)
		t.S = x.S && z.S
		t.F = x.F && z.F
		t.E = (x.E && z.F) || (z.E && x.F)

	case Thresh:
		var notS uint32
		t.M, t.E = true, true
		for _, sub := range n.Subs {
			t.M = t.M && sub.typ.M && sub.typ.E
			t.E = t.E && sub.typ.E && sub.typ.S
			if !sub.typ.S {
				notS++
			}
		}
		t.M = t.M && notS <= n.K
		t.S = notS < n.K

	case WrapA, WrapS, WrapN:
		x := n.Subs[0].typ
		t.M, t.S, t.F, t.E = x.M, x.S, x.F, x.E

	case WrapC:
		x := n.Subs[0].typ
		t.M, t.S, t.F, t.E = x.M, true, x.F, x.E

	case WrapD:
		x := n.Subs[0].typ
		t.M, t.S, t.E = x.M, x.S, true

	case WrapV:
		x := n.Subs[0].typ
		t.M, t.S, t.F = x.M, x.S, true

	case WrapJ:
		x := n.Subs[0].typ
		t.M, t.S, t.E = x.M, x.S, x.F
	}
}
