package miniscript

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

// KeyResolver returns the serialized public key of a key identifier.
type KeyResolver func(id string) ([]byte, error)

// Script builds the script of n, resolving key identifiers with resolve.
func (n *Node) Script(resolve KeyResolver) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	if err := n.build(b, resolve, false); err != nil {
		return nil, err
	}

	return b.Script()
}

// canCollapseVerify reports whether the last opcode of the script of n is
// OP_EQUAL, OP_CHECKSIG or OP_CHECKMULTISIG, which a v: wrapper turns into
// its VERIFY form instead of appending OP_VERIFY.
func (n *Node) canCollapseVerify() bool {
	switch n.Fragment {
	case Sha256, Hash256, Ripemd160, Hash160, Thresh, Multi, SortedMulti,
		WrapC:

		return true

	case AndV:
		return n.Subs[1].canCollapseVerify()

	case WrapS:
		return n.Subs[0].canCollapseVerify()

	default:
		return false
	}
}

func resolveKey(resolve KeyResolver, id string) ([]byte, error) {
	key, err := resolve(id)
	if err != nil {
		return nil, err
	}
	if len(key) != 33 && len(key) != 65 {
		return nil, fmt.Errorf("key %s resolves to %d bytes", id,
			len(key))
	}

	return key, nil
}

// build appends the script of n to b. verify is set when n ends the script
// of a v: wrapper whose OP_VERIFY is folded into the last opcode.
func (n *Node) build(b *txscript.ScriptBuilder, resolve KeyResolver,
	verify bool) error {

	// pick returns the VERIFY form of the final opcode when requested.
	pick := func(plain, verified byte) byte {
		if verify {
			return verified
		}

		return plain
	}

	switch n.Fragment {
	case False:
		b.AddOp(txscript.OP_0)

	case True:
		b.AddOp(txscript.OP_1)

	case PkK:
		key, err := resolveKey(resolve, n.Key)
		if err != nil {
			return err
		}
		b.AddData(key)

	case PkH:
		key, err := resolveKey(resolve, n.Key)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_DUP)
		b.AddOp(txscript.OP_HASH160)
		b.AddData(btcutil.Hash160(key))
		b.AddOp(txscript.OP_EQUALVERIFY)

	case Older:
		b.AddInt64(int64(n.K))
		b.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)

	case After:
		b.AddInt64(int64(n.K))
		b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)

	case Sha256, Hash256, Ripemd160, Hash160:
		hashOp := map[Fragment]byte{
			Sha256:    txscript.OP_SHA256,
			Hash256:   txscript.OP_HASH256,
			Ripemd160: txscript.OP_RIPEMD160,
			Hash160:   txscript.OP_HASH160,
		}[n.Fragment]

		b.AddOp(txscript.OP_SIZE)
		b.AddInt64(32)
		b.AddOp(txscript.OP_EQUALVERIFY)
		b.AddOp(hashOp)
		b.AddData(n.Hash)
		b.AddOp(pick(txscript.OP_EQUAL, txscript.OP_EQUALVERIFY))

	case AndOr:
		if err := n.Subs[0].build(b, resolve, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_NOTIF)
		if err := n.Subs[2].build(b, resolve, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ELSE)
		if err := n.Subs[1].build(b, resolve, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case AndV:
		if err := n.Subs[0].build(b, resolve, false); err != nil {
			return err
		}
		if err := n.Subs[1].build(b, resolve, verify); err != nil {
			return err
		}

	case AndB, OrB:
		for _, sub := range n.Subs {
			if err := sub.build(b, resolve, false); err != nil {
				return err
			}
		}
		if n.Fragment == AndB {
			b.AddOp(txscript.OP_BOOLAND)
		} else {
			b.AddOp(txscript.OP_BOOLOR)
		}

	case OrC, OrD:
		if err := n.Subs[0].build(b, resolve, false); err != nil {
			return err
		}
		if n.Fragment == OrD {
			b.AddOp(txscript.OP_IFDUP)
		}
		b.AddOp(txscript.OP_NOTIF)
		if err := n.Subs[1].build(b, resolve, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case OrI:
		b.AddOp(txscript.OP_IF)
		if err := n.Subs[0].build(b, resolve, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ELSE)
		if err := n.Subs[1].build(b, resolve, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case Thresh:
		for i, sub := range n.Subs {
			if err := sub.build(b, resolve, false); err != nil {
				return err
			}
			if i > 0 {
				b.AddOp(txscript.OP_ADD)
			}
		}
		b.AddInt64(int64(n.K))
		b.AddOp(pick(txscript.OP_EQUAL, txscript.OP_EQUALVERIFY))

	case Multi, SortedMulti:
		keys := make([][]byte, 0, len(n.Keys))
		for _, id := range n.Keys {
			key, err := resolveKey(resolve, id)
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}
		if n.Fragment == SortedMulti {
			sort.Slice(keys, func(i, j int) bool {
				return bytes.Compare(keys[i], keys[j]) < 0
			})
		}

		b.AddInt64(int64(n.K))
		for _, key := range keys {
			b.AddData(key)
		}
		b.AddInt64(int64(len(keys)))
		b.AddOp(pick(
			txscript.OP_CHECKMULTISIG, txscript.OP_CHECKMULTISIGVERIFY,
		))

	case WrapA:
		b.AddOp(txscript.OP_TOALTSTACK)
		if err := n.Subs[0].build(b, resolve, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_FROMALTSTACK)

	case WrapS:
		b.AddOp(txscript.OP_SWAP)
		if err := n.Subs[0].build(b, resolve, verify); err != nil {
			return err
		}

	case WrapC:
		if err := n.Subs[0].build(b, resolve, false); err != nil {
			return err
		}
		b.AddOp(pick(txscript.OP_CHECKSIG, txscript.OP_CHECKSIGVERIFY))

	case WrapD:
		b.AddOp(txscript.OP_DUP)
		b.AddOp(txscript.OP_IF)
		if err := n.Subs[0].build(b, resolve, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case WrapV:
		sub := n.Subs[0]
		collapse := sub.canCollapseVerify()
		if err := sub.build(b, resolve, collapse); err != nil {
			return err
		}
		if !collapse {
			b.AddOp(txscript.OP_VERIFY)
		}

	case WrapJ:
		b.AddOp(txscript.OP_SIZE)
		b.AddOp(txscript.OP_0NOTEQUAL)
		b.AddOp(txscript.OP_IF)
		if err := n.Subs[0].build(b, resolve, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case WrapN:
		if err := n.Subs[0].build(b, resolve, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_0NOTEQUAL)

	default:
		return fmt.Errorf("unknown fragment %v", n.Fragment)
	}

	return nil
}

// opCount returns the number of non push opcodes executed in the worst
// case: every opcode of the script plus one per key of each executed
// CHECKMULTISIG.
func opCount(script []byte, n *Node) (int, error) {
	count := 0
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		if tokenizer.Opcode() > txscript.OP_16 {
			count++
		}
	}
	if err := tokenizer.Err(); err != nil {
		return 0, err
	}

	n.walk(func(node *Node) {
		if node.Fragment == Multi || node.Fragment == SortedMulti {
			count += len(node.Keys)
		}
	})

	return count, nil
}

// unavailable marks a satisfaction or dissatisfaction that does not exist.
const unavailable = -1

func add(counts ...int) int {
	sum := 0
	for _, c := range counts {
		if c == unavailable {
			return unavailable
		}
		sum += c
	}

	return sum
}

func maxOf(a, b int) int {
	if a > b {
		return a
	}

	return b
}

// witnessItems returns the largest number of stack elements a satisfaction
// and a dissatisfaction of n push, not counting the script itself.
func (n *Node) witnessItems() (int, int) {
	switch n.Fragment {
	case False:
		return unavailable, 0

	case True, Older, After:
		return 0, unavailable

	case PkK, Sha256, Hash256, Ripemd160, Hash160:
		return 1, 1

	case PkH:
		return 2, 2

	case Multi, SortedMulti:
		return int(n.K) + 1, int(n.K) + 1

	case AndOr:
		xs, xd := n.Subs[0].witnessItems()
		ys, _ := n.Subs[1].witnessItems()
		zs, zd := n.Subs[2].witnessItems()

		return maxOf(add(xs, ys), add(xd, zs)), add(xd, zd)

	case AndV:
		xs, _ := n.Subs[0].witnessItems()
		ys, yd := n.Subs[1].witnessItems()

		return add(xs, ys), add(xs, yd)

	case AndB:
		xs, xd := n.Subs[0].witnessItems()
		ys, yd := n.Subs[1].witnessItems()

		return add(xs, ys), add(xd, yd)

	case OrB:
		xs, xd := n.Subs[0].witnessItems()
		zs, zd := n.Subs[1].witnessItems()

		return maxOf(add(xs, zd), add(xd, zs)), add(xd, zd)

	case OrC:
		xs, xd := n.Subs[0].witnessItems()
		zs, _ := n.Subs[1].witnessItems()

		return maxOf(xs, add(xd, zs)), unavailable

	case OrD:
		xs, xd := n.Subs[0].witnessItems()
		zs, zd := n.Subs[1].witnessItems()

		return maxOf(xs, add(xd, zs)), add(xd, zd)

	case OrI:
		xs, xd := n.Subs[0].witnessItems()
		zs, zd := n.Subs[1].witnessItems()

		return add(1, maxOf(xs, zs)), add(1, maxOf(xd, zd))

	case Thresh:
		// Every argument is dissatisfiable. The k arguments that
		// grow the most when satisfied give the largest witness.
		var (
			dsat  int
			gains []int
		)
		for _, sub := range n.Subs {
			s, d := sub.witnessItems()
			dsat = add(dsat, d)
			if s != unavailable && d != unavailable {
				gains = append(gains, s-d)
			}
		}
		if dsat == unavailable || len(gains) < int(n.K) {
			return unavailable, dsat
		}
		sort.Sort(sort.Reverse(sort.IntSlice(gains)))
		sat := dsat
		for _, gain := range gains[:n.K] {
			sat += gain
		}

		return sat, dsat

	case WrapA, WrapS, WrapC, WrapN:
		return n.Subs[0].witnessItems()

	case WrapD:
		xs, _ := n.Subs[0].witnessItems()
		return add(1, xs), 1

	case WrapV:
		xs, _ := n.Subs[0].witnessItems()
		return xs, unavailable

	case WrapJ:
		xs, _ := n.Subs[0].witnessItems()
		return xs, 1

	default:
		return unavailable, unavailable
	}
}
