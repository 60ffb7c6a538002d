package miniscript

import (
	"strings"
	"testing"

	"github.com/stackmate/keypolicy/errorcodes"
	"github.com/stackmate/keypolicy/policy"
	"github.com/stretchr/testify/require"
)

// TestLift checks the satisfaction tree recovered from each fragment.
func TestLift(t *testing.T) {
	t.Parallel()

	var (
		a = policy.Key{ID: "@a"}
		b = policy.Key{ID: "@b"}
		c = policy.Key{ID: "@c"}
	)

	testCases := []struct {
		text string
		want policy.Node
	}{
		{
			text: "or_d(pk(@a),and_v(v:pk(@b),after(595600)))",
			want: policy.Or(a, policy.And(b, policy.After{Value: 595600})),
		},
		{
			text: "andor(pk(@a),pk(@b),pk(@c))",
			want: policy.Or(policy.And(a, b), c),
		},
		{
			text: "and_n(pk(@a),pk(@b))",
			want: policy.And(a, b),
		},
		{
			text: "tv:pk(@a)",
			want: a,
		},
		{
			text: "and_v(v:1,pkh(@a))",
			want: a,
		},
		{
			text: "or_i(0,pk(@a))",
			want: a,
		},
		{
			text: "multi(2,@a,@b)",
			want: policy.Multi{K: 2, Keys: []string{"@a", "@b"}},
		},
		{
			text: "sortedmulti(1,@b,@a)",
			want: policy.Multi{K: 1, Keys: []string{"@b", "@a"}},
		},
		{
			text: "thresh(2,pk(@a),s:pk(@b),snl:older(10))",
			want: policy.Thresh{K: 2, Subs: []policy.Node{
				a, b, policy.Older{Value: 10},
			}},
		},
		{
			text: "or_b(pk(@a),s:pk(@b))",
			want: policy.Or(a, b),
		},
	}

	for _, tc := range testCases {
		lifted, err := mustParse(t, tc.text).Lift()
		require.NoError(t, err, tc.text)
		require.Equal(t, tc.want, lifted, tc.text)
	}
}

// TestLiftErrors checks the fragments without a satisfaction tree.
func TestLiftErrors(t *testing.T) {
	t.Parallel()

	hash := strings.Repeat("cd", 32)
	testCases := []struct {
		text string
		kind errorcodes.Kind
	}{
		{"and_v(v:pk(@a),sha256(" + hash + "))",
			errorcodes.UnsupportedPolicyItem},
		{"1", errorcodes.InvalidDescriptor},
		{"0", errorcodes.InvalidDescriptor},
		{"or_i(0,0)", errorcodes.InvalidDescriptor},
		{"and_b(0,a:pk(@a))", errorcodes.InvalidDescriptor},
		{"or_d(pk(@a),1)", errorcodes.InvalidDescriptor},
	}

	for _, tc := range testCases {
		_, err := mustParse(t, tc.text).Lift()
		require.True(t, errorcodes.Is(err, tc.kind), "%s: %v", tc.text,
			err)
	}
}
