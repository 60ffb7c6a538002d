package policy

import (
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stackmate/keypolicy/errorcodes"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestConditionMerge checks signer union, timelock maximum and unit
// conflicts.
func TestConditionMerge(t *testing.T) {
	t.Parallel()

	a := Condition{
		Signers:          []string{"@a", "@b"},
		AbsoluteTimelock: fn.Some[uint32](100),
	}
	b := Condition{
		Signers:          []string{"@b", "@c"},
		AbsoluteTimelock: fn.Some[uint32](200),
		RelativeTimelock: fn.Some[uint32](144),
	}

	merged, err := a.Merge(b)
	require.NoError(t, err)
	require.True(t, merged.Equal(Condition{
		Signers:          []string{"@a", "@b", "@c"},
		AbsoluteTimelock: fn.Some[uint32](200),
		RelativeTimelock: fn.Some[uint32](144),
	}))

	heights := Condition{AbsoluteTimelock: fn.Some[uint32](595600)}
	times := Condition{AbsoluteTimelock: fn.Some[uint32](1600000000)}
	_, err = heights.Merge(times)
	require.True(t, errorcodes.Is(err, errorcodes.IncompatibleConditions))

	blocks := Condition{RelativeTimelock: fn.Some[uint32](10)}
	seconds := Condition{RelativeTimelock: fn.Some(
		wire.SequenceLockTimeIsSeconds | uint32(10),
	)}
	_, err = blocks.Merge(seconds)
	require.True(t, errorcodes.Is(err, errorcodes.IncompatibleConditions))

	require.True(t, IsAbsoluteHeight(499999999))
	require.False(t, IsAbsoluteHeight(500000000))
	require.True(t, IsRelativeHeight(0xffff))
	require.False(t, IsRelativeHeight(1<<22|1))
}

func genCondition() *rapid.Generator[Condition] {
	timelock := func(name string, maxValue uint32) *rapid.Generator[fn.Option[uint32]] {
		return rapid.Custom(func(t *rapid.T) fn.Option[uint32] {
			if !rapid.Bool().Draw(t, name+"_set") {
				return fn.None[uint32]()
			}

			return fn.Some(rapid.Uint32Range(1, maxValue).Draw(t, name))
		})
	}

	return rapid.Custom(func(t *rapid.T) Condition {
		return Condition{
			Signers: rapid.SliceOfNDistinct(
				rapid.SampledFrom([]string{"@a", "@b", "@c"}),
				0, 3, rapid.ID[string],
			).Draw(t, "signers"),
			// Heights only, so merges never conflict.
			AbsoluteTimelock: timelock("abs", 499999999).Draw(t, "abs"),
			RelativeTimelock: timelock("rel", 0xffff).Draw(t, "rel"),
		}
	})
}

func signerSet(c Condition) map[string]struct{} {
	set := make(map[string]struct{}, len(c.Signers))
	for _, id := range c.Signers {
		set[id] = struct{}{}
	}

	return set
}

// TestConditionMergeLaws checks that merging is commutative up to signer
// order, associative and has the empty condition as identity.
func TestConditionMergeLaws(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		a := genCondition().Draw(t, "a")
		b := genCondition().Draw(t, "b")
		c := genCondition().Draw(t, "c")

		ab, err := a.Merge(b)
		require.NoError(t, err)
		ba, err := b.Merge(a)
		require.NoError(t, err)
		require.Equal(t, signerSet(ab), signerSet(ba))
		require.Equal(t, ab.AbsoluteTimelock, ba.AbsoluteTimelock)
		require.Equal(t, ab.RelativeTimelock, ba.RelativeTimelock)

		abC, err := ab.Merge(c)
		require.NoError(t, err)
		bc, err := b.Merge(c)
		require.NoError(t, err)
		aBC, err := a.Merge(bc)
		require.NoError(t, err)
		require.True(t, abC.Equal(aBC))

		id, err := Condition{}.Merge(a)
		require.NoError(t, err)
		require.True(t, id.Equal(a))
	})
}

func scenarioTree(t *testing.T) *Annotated {
	t.Helper()

	p, err := Parse("or(pk(@user),and(pk(@custodian),after(595600)))")
	require.NoError(t, err)

	tree, err := Annotate(p.Root)
	require.NoError(t, err)

	return tree
}

// TestAnnotateScenario checks the per branch conditions of the custodial
// fallback policy.
func TestAnnotateScenario(t *testing.T) {
	t.Parallel()

	tree := scenarioTree(t)
	require.Len(t, tree.ID, 8)
	require.Len(t, tree.Children, 2)

	user := tree.Children[0].Condition.UnwrapOrFail(t)
	require.True(t, user.Equal(Condition{Signers: []string{"@user"}}))

	fallback := tree.Children[1].Condition.UnwrapOrFail(t)
	require.True(t, fallback.Equal(Condition{
		Signers:          []string{"@custodian"},
		AbsoluteTimelock: fn.Some[uint32](595600),
	}))

	// The cheapest way to satisfy the root is the user's key.
	root := tree.Condition.UnwrapOrFail(t)
	require.True(t, root.Equal(user))

	found := tree.Find(tree.Children[1].ID).UnwrapOrFail(t)
	require.Equal(t, tree.Children[1], found)
	require.True(t, tree.Find("00000000").IsNone())
}

// TestGetCondition walks the spending paths of the custodial fallback
// policy.
func TestGetCondition(t *testing.T) {
	t.Parallel()

	tree := scenarioTree(t)

	cond, err := tree.GetCondition(SpendPath{tree.ID: {0}})
	require.NoError(t, err)
	require.Equal(t, []string{"@user"}, cond.Signers)
	require.True(t, cond.AbsoluteTimelock.IsNone())

	// The and node needs both children and may be left out.
	cond, err = tree.GetCondition(SpendPath{tree.ID: {1}})
	require.NoError(t, err)
	require.Equal(t, []string{"@custodian"}, cond.Signers)
	require.Equal(t, fn.Some[uint32](595600), cond.AbsoluteTimelock)

	cond, err = tree.GetCondition(SpendPath{tree.ID: {1, 0}})
	require.NoError(t, err)
	require.Equal(t, []string{"@custodian", "@user"}, cond.Signers)

	bad := []SpendPath{
		{},
		{tree.ID: {}},
		{tree.ID: {2}},
		{tree.ID: {-1}},
		{tree.ID: {0, 0}},
		{tree.Children[1].ID: {0}},
	}
	for _, path := range bad {
		_, err := tree.GetCondition(path)
		require.True(
			t, errorcodes.Is(err, errorcodes.InvalidSpendingPath),
			"%v", path,
		)
	}
}

// TestGetConditionConflicts checks that incompatible timelocks surface from
// both the minimal condition and explicit paths.
func TestGetConditionConflicts(t *testing.T) {
	t.Parallel()

	p, err := Parse("and(after(100),after(1600000000))")
	require.NoError(t, err)

	tree, err := Annotate(p.Root)
	require.NoError(t, err)
	require.True(t, tree.Condition.IsNone())

	_, err = tree.GetCondition(SpendPath{})
	require.True(t, errorcodes.Is(err, errorcodes.IncompatibleConditions))

	p, err = Parse("thresh(2,multi(2,@a,@b,@c),older(10),pk(@d))")
	require.NoError(t, err)
	tree, err = Annotate(p.Root)
	require.NoError(t, err)

	// Fewest signers first: the timelock and the single key.
	minimal := tree.Condition.UnwrapOrFail(t)
	require.Equal(t, []string{"@d"}, minimal.Signers)
	require.Equal(t, fn.Some[uint32](10), minimal.RelativeTimelock)

	multiID := tree.Children[0].ID
	cond, err := tree.GetCondition(SpendPath{
		tree.ID: {0, 1},
		multiID: {2, 0},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"@c", "@a"}, cond.Signers)
	require.Equal(t, fn.Some[uint32](10), cond.RelativeTimelock)

	_, err = tree.GetCondition(SpendPath{tree.ID: {0, 1}, multiID: {2}})
	require.True(t, errorcodes.Is(err, errorcodes.InvalidSpendingPath))
}

// TestAnnotateThreshCombinations checks that a threshold whose cheapest
// children conflict is still satisfied by another combination.
func TestAnnotateThreshCombinations(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		policy  string
		signers []string
		after   fn.Option[uint32]
	}{
		{
			policy: "thresh(2,and(pk(@a),after(100))," +
				"and(pk(@b),after(500000001))," +
				"and(pk(@c),after(500000002)))",
			signers: []string{"@b", "@c"},
			after:   fn.Some[uint32](500000002),
		},
		{
			policy: "thresh(2,after(500000001),and(pk(@a)," +
				"after(100)),and(pk(@b),and(pk(@c)," +
				"after(500000002))))",
			signers: []string{"@b", "@c"},
			after:   fn.Some[uint32](500000002),
		},
		{
			// The greedy pick is kept when it succeeds.
			policy: "thresh(2,and(pk(@a),after(100)),pk(@b)," +
				"and(pk(@c),after(500000001)))",
			signers: []string{"@a", "@b"},
			after:   fn.Some[uint32](100),
		},
	}

	for _, tc := range testCases {
		p, err := Parse(tc.policy)
		require.NoError(t, err, tc.policy)

		tree, err := Annotate(p.Root)
		require.NoError(t, err, tc.policy)

		cond := tree.Condition.UnwrapOrFail(t)
		require.Equal(t, tc.signers, cond.Signers, tc.policy)
		require.Equal(t, tc.after, cond.AbsoluteTimelock, tc.policy)
	}

	// No two children agree on a unit.
	p, err := Parse("thresh(2,and(pk(@a),after(100))," +
		"and(pk(@b),after(500000001)))")
	require.NoError(t, err)
	tree, err := Annotate(p.Root)
	require.NoError(t, err)
	require.True(t, tree.Condition.IsNone())
}

// TestAnnotatedRecord checks the JSON form of an annotated tree.
func TestAnnotatedRecord(t *testing.T) {
	t.Parallel()

	tree := scenarioTree(t)
	raw, err := json.Marshal(tree.Record())
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, tree.ID, decoded["id"])
	require.Equal(
		t, "or(pk(@user),and(pk(@custodian),after(595600)))",
		decoded["policy"],
	)

	children := decoded["children"].([]interface{})
	require.Len(t, children, 2)

	fallback := children[1].(map[string]interface{})
	condition := fallback["condition"].(map[string]interface{})
	require.Equal(t, float64(595600), condition["absolute_timelock"])
	require.NotContains(t, condition, "relative_timelock")
}
