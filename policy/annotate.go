package policy

import (
	"encoding/hex"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stackmate/keypolicy/errorcodes"
)

// SpendPath selects, for each threshold node id, the indexes of the children
// a spend will satisfy.
type SpendPath map[string][]int

// NodeID returns the stable identifier of n: the first four bytes of the
// sha256 of its canonical text, in hex.
func NodeID(n Node) string {
	return hex.EncodeToString(chainhash.HashB([]byte(String(n)))[:4])
}

// Annotated is a satisfaction tree node with the cheapest condition that
// satisfies it. Threshold nodes carry their annotated children.
type Annotated struct {
	// ID is the NodeID of Node.
	ID string

	// Node is the annotated node.
	Node Node

	// Condition is the condition with the fewest signers that
	// satisfies Node. It is None when no compatible combination of
	// children exists.
	Condition fn.Option[Condition]

	// Children holds the annotated children of a Thresh node.
	Children []*Annotated
}

// Annotate computes the annotated tree of n.
func Annotate(n Node) (*Annotated, error) {
	a := &Annotated{ID: NodeID(n), Node: n}

	switch n := n.(type) {
	case Key:
		a.Condition = fn.Some(Condition{Signers: []string{n.ID}})

	case After:
		a.Condition = fn.Some(Condition{
			AbsoluteTimelock: fn.Some(n.Value),
		})

	case Older:
		a.Condition = fn.Some(Condition{
			RelativeTimelock: fn.Some(n.Value),
		})

	case Multi:
		if n.K < 1 || n.K > len(n.Keys) {
			return nil, errorcodes.Newf(
				errorcodes.InvalidPolicy,
				"multi threshold %d of %d keys", n.K, len(n.Keys),
			)
		}
		signers := make([]string, n.K)
		copy(signers, n.Keys[:n.K])
		a.Condition = fn.Some(Condition{Signers: signers})

	case Thresh:
		a.Children = make([]*Annotated, 0, len(n.Subs))
		for _, sub := range n.Subs {
			child, err := Annotate(sub)
			if err != nil {
				return nil, err
			}
			a.Children = append(a.Children, child)
		}
		a.Condition = minimalThresh(n.K, a.Children)

	default:
		return nil, unsupported(n)
	}

	return a, nil
}

// minimalThresh picks the k children with the fewest signers. The greedy
// pick skips children whose timelocks conflict with those already picked;
// when it falls short, every combination of k children is tried instead.
func minimalThresh(k int, children []*Annotated) fn.Option[Condition] {
	var candidates []Condition
	for _, child := range children {
		child.Condition.WhenSome(func(c Condition) {
			candidates = append(candidates, c)
		})
	}
	if len(candidates) < k {
		return fn.None[Condition]()
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i].Signers) < len(candidates[j].Signers)
	})

	var (
		merged Condition
		picked int
	)
	for _, cond := range candidates {
		if picked == k {
			break
		}

		next, err := merged.Merge(cond)
		if err != nil {
			continue
		}
		merged = next
		picked++
	}
	if picked == k {
		return fn.Some(merged)
	}

	return searchThresh(k, candidates)
}

// searchThresh tries every combination of k candidates and returns the
// compatible one with the fewest signers, the first found on ties.
func searchThresh(k int, candidates []Condition) fn.Option[Condition] {
	var (
		best  fn.Option[Condition]
		visit func(start, picked int, merged Condition)
	)
	visit = func(start, picked int, merged Condition) {
		if picked == k {
			better := fn.ElimOption(best, func() bool { return true },
				func(b Condition) bool {
					return len(merged.Signers) < len(b.Signers)
				})
			if better {
				best = fn.Some(merged)
			}

			return
		}

		for i := start; i <= len(candidates)-(k-picked); i++ {
			next, err := merged.Merge(candidates[i])
			if err != nil {
				continue
			}
			visit(i+1, picked+1, next)
		}
	}
	visit(0, 0, Condition{})

	return best
}

// GetCondition returns the condition of satisfying the node along path.
// Thresholds that need every child may be left out of path.
func (a *Annotated) GetCondition(path SpendPath) (Condition, error) {
	switch n := a.Node.(type) {
	case Key, After, Older:
		return a.Condition.UnwrapOr(Condition{}), nil

	case Multi:
		selected, err := a.selection(path, n.K, len(n.Keys))
		if err != nil {
			return Condition{}, err
		}

		signers := make([]string, 0, len(selected))
		for _, i := range selected {
			signers = append(signers, n.Keys[i])
		}

		return Condition{Signers: signers}, nil

	case Thresh:
		selected, err := a.selection(path, n.K, len(n.Subs))
		if err != nil {
			return Condition{}, err
		}

		var merged Condition
		for _, i := range selected {
			cond, err := a.Children[i].GetCondition(path)
			if err != nil {
				return Condition{}, err
			}
			merged, err = merged.Merge(cond)
			if err != nil {
				return Condition{}, err
			}
		}

		return merged, nil

	default:
		return Condition{}, unsupported(n)
	}
}

// selection returns the validated child indexes path picks for this node.
func (a *Annotated) selection(path SpendPath, k, n int) ([]int, error) {
	selected, ok := path[a.ID]
	if !ok {
		if k != n {
			return nil, errorcodes.Newf(
				errorcodes.InvalidSpendingPath,
				"node %s needs %d of %d children but the path "+
					"selects none", a.ID, k, n,
			)
		}

		all := make([]int, n)
		for i := range all {
			all[i] = i
		}

		return all, nil
	}

	seen := make(map[int]struct{}, len(selected))
	for _, i := range selected {
		if i < 0 || i >= n {
			return nil, errorcodes.Newf(
				errorcodes.InvalidSpendingPath,
				"node %s has no child %d", a.ID, i,
			)
		}
		if _, dup := seen[i]; dup {
			return nil, errorcodes.Newf(
				errorcodes.InvalidSpendingPath,
				"node %s selects child %d twice", a.ID, i,
			)
		}
		seen[i] = struct{}{}
	}
	if len(selected) < k {
		return nil, errorcodes.Newf(
			errorcodes.InvalidSpendingPath,
			"node %s needs %d children, the path selects %d",
			a.ID, k, len(selected),
		)
	}

	return selected, nil
}

// Find returns the annotated node with the given id, searching depth first.
func (a *Annotated) Find(id string) fn.Option[*Annotated] {
	if a.ID == id {
		return fn.Some(a)
	}
	for _, child := range a.Children {
		if found := child.Find(id); found.IsSome() {
			return found
		}
	}

	return fn.None[*Annotated]()
}

// AnnotatedRecord is the flat form of an Annotated tree used for JSON
// output.
type AnnotatedRecord struct {
	ID        string             `json:"id"`
	Policy    string             `json:"policy"`
	Condition *ConditionRecord   `json:"condition,omitempty"`
	Children  []*AnnotatedRecord `json:"children,omitempty"`
}

// Record returns the flat form of the tree.
func (a *Annotated) Record() *AnnotatedRecord {
	record := &AnnotatedRecord{
		ID:     a.ID,
		Policy: String(a.Node),
	}
	a.Condition.WhenSome(func(c Condition) {
		r := c.Record()
		record.Condition = &r
	})
	for _, child := range a.Children {
		record.Children = append(record.Children, child.Record())
	}

	return record
}
