package descriptor

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stackmate/keypolicy/errorcodes"
	"github.com/stackmate/keypolicy/keychain"
	"github.com/stackmate/keypolicy/miniscript"
	"github.com/stackmate/keypolicy/policy"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testVaultPolicy = "or(pk(@user),and(pk(@custodian),after(595600)))"

func testKeys(t *testing.T) keychain.KeyMap {
	t.Helper()

	keys, err := keychain.ParseKeyMap(
		"@user="+testUserXprv, "@custodian="+testCustodian,
		"@a="+testPubKeyG, "@b="+testPubKey2G,
		"@twin="+testPubKeyG, "@old="+testUncompressedG,
	)
	require.NoError(t, err)

	return keys
}

func mustParsePolicy(t *testing.T, text string,
	keys keychain.KeyMap) *policy.Policy {

	t.Helper()

	p, err := policy.Parse(text)
	require.NoError(t, err, text)

	return p.WithKeys(keys)
}

// TestCompile checks the descriptor of each output type.
func TestCompile(t *testing.T) {
	t.Parallel()

	keys := testKeys(t)
	testCases := []struct {
		name   string
		policy string
		ctx    miniscript.Context
		out    OutputType
		want   string
	}{
		{
			name:   "vault with aliases",
			policy: testVaultPolicy,
			ctx:    miniscript.SegwitV0,
			out:    WitnessScriptHash,
			want:   testVaultDesc,
		},
		{
			name: "vault with inline keys",
			policy: "or(pk(" + testUserXprv + "),and(pk(" +
				testCustodian + "),after(595600)))",
			ctx:  miniscript.SegwitV0,
			out:  WitnessScriptHash,
			want: testVaultDesc,
		},
		{
			name:   "single private key",
			policy: "pk(" + testUserXprv + ")",
			ctx:    miniscript.SegwitV0,
			out:    BareKeyHash,
			want:   "wpkh(" + testUserXprv + ")",
		},
		{
			name:   "single public key",
			policy: "pk(" + testUserXpub + ")",
			ctx:    miniscript.Legacy,
			out:    BareKeyHash,
			want:   "wpkh(" + testUserXpub + ")",
		},
		{
			name:   "legacy key hash",
			policy: "pk(@old)",
			ctx:    miniscript.Legacy,
			out:    KeyHash,
			want:   "pkh(" + testUncompressedG + ")",
		},
		{
			name:   "nested key hash",
			policy: "pk(@a)",
			ctx:    miniscript.SegwitV0,
			out:    NestedKeyHash,
			want:   "sh(wpkh(" + testPubKeyG + "))",
		},
		{
			name:   "legacy multisig",
			policy: "multi(1,@a,@b)",
			ctx:    miniscript.Legacy,
			out:    ScriptHash,
			want: "sh(multi(1," + testPubKeyG + "," + testPubKey2G +
				"))",
		},
		{
			name:   "nested witness script",
			policy: "and(pk(@a),older(144))",
			ctx:    miniscript.SegwitV0,
			out:    NestedWitnessScriptHash,
			want: "sh(wsh(and_v(v:pk(" + testPubKeyG + "),older(144))))",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := mustParsePolicy(t, tc.policy, keys)
			desc, err := Compile(p, tc.ctx, tc.out)
			require.NoError(t, err)
			require.Equal(t, tc.want, desc)

			again, err := Compile(p, tc.ctx, tc.out)
			require.NoError(t, err)
			require.Equal(t, desc, again)

			d, err := Parse(desc)
			require.NoError(t, err)
			require.Equal(t, tc.out, d.Type)
		})
	}
}

// TestCompileErrors checks the error kinds of unsound requests.
func TestCompileErrors(t *testing.T) {
	t.Parallel()

	keys := testKeys(t)
	testCases := []struct {
		name   string
		policy string
		ctx    miniscript.Context
		out    OutputType
		kind   errorcodes.Kind
	}{
		{
			name:   "script policy for a key output",
			policy: testVaultPolicy,
			ctx:    miniscript.SegwitV0,
			out:    BareKeyHash,
			kind:   errorcodes.InvalidOutputType,
		},
		{
			name:   "witness script in legacy context",
			policy: "pk(@a)",
			ctx:    miniscript.Legacy,
			out:    WitnessScriptHash,
			kind:   errorcodes.InvalidOutputType,
		},
		{
			name:   "nested witness script in legacy context",
			policy: "pk(@a)",
			ctx:    miniscript.Legacy,
			out:    NestedWitnessScriptHash,
			kind:   errorcodes.InvalidOutputType,
		},
		{
			name:   "legacy script in segwit context",
			policy: "pk(@a)",
			ctx:    miniscript.SegwitV0,
			out:    ScriptHash,
			kind:   errorcodes.InvalidOutputType,
		},
		{
			name:   "uncompressed witness key",
			policy: "pk(@old)",
			ctx:    miniscript.SegwitV0,
			out:    BareKeyHash,
			kind:   errorcodes.InvalidOutputType,
		},
		{
			name:   "unknown output type",
			policy: "pk(@a)",
			ctx:    miniscript.SegwitV0,
			out:    OutputType(42),
			kind:   errorcodes.InvalidOutputType,
		},
		{
			name:   "missing key",
			policy: "pk(@nobody)",
			ctx:    miniscript.SegwitV0,
			out:    BareKeyHash,
			kind:   errorcodes.UnresolvedKey,
		},
		{
			name:   "missing script key",
			policy: "or(pk(@a),pk(@nobody))",
			ctx:    miniscript.SegwitV0,
			out:    WitnessScriptHash,
			kind:   errorcodes.UnresolvedKey,
		},
		{
			name:   "two aliases of one key",
			policy: "or(pk(@a),pk(@twin))",
			ctx:    miniscript.SegwitV0,
			out:    WitnessScriptHash,
			kind:   errorcodes.CompileError,
		},
		{
			name:   "timelock only",
			policy: "after(100)",
			ctx:    miniscript.SegwitV0,
			out:    WitnessScriptHash,
			kind:   errorcodes.CompileError,
		},
		{
			name: "absolute height and time in one branch",
			policy: "and(pk(@a),and(after(100)," +
				"after(500000001)))",
			ctx:  miniscript.SegwitV0,
			out:  WitnessScriptHash,
			kind: errorcodes.CompileError,
		},
		{
			name: "relative height and time in one branch",
			policy: "and(pk(@a),and(older(10)," +
				"older(4194305)))",
			ctx:  miniscript.Legacy,
			out:  ScriptHash,
			kind: errorcodes.CompileError,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := mustParsePolicy(t, tc.policy, keys)
			_, err := Compile(p, tc.ctx, tc.out)
			require.True(t, errorcodes.Is(err, tc.kind), "%v", err)
		})
	}
}

// TestCompilePolicy checks the wallet policy record.
func TestCompilePolicy(t *testing.T) {
	t.Parallel()

	keys := testKeys(t)
	wp, err := CompilePolicy(
		"or( pk(@user), and(pk(@custodian), after(595600)) )",
		WitnessScriptHash, keys,
	)
	require.NoError(t, err)
	require.Equal(t, &WalletPolicy{
		Policy:     testVaultPolicy,
		Descriptor: testVaultDesc,
	}, wp)

	raw, err := json.Marshal(wp)
	require.NoError(t, err)
	require.JSONEq(
		t, fmt.Sprintf(`{"policy":%q,"descriptor":%q}`, testVaultPolicy,
			testVaultDesc), string(raw),
	)

	wp, err = CompilePolicy("pk("+testPubKeyG+")", BareKeyHash, nil)
	require.NoError(t, err)
	require.Equal(t, "wpkh("+testPubKeyG+")", wp.Descriptor)

	_, err = CompilePolicy("or(pk(@a)", WitnessScriptHash, keys)
	require.True(t, errorcodes.Is(err, errorcodes.InvalidPolicy))
	require.True(t, policy.IsSyntaxError(err))

	// sh picks the legacy context, which takes uncompressed keys.
	wp, err = CompilePolicy("pk(@old)", ScriptHash, keys)
	require.NoError(t, err)
	require.Equal(t, "sh(pk("+testUncompressedG+"))", wp.Descriptor)
}

// TestParseOutputType checks the output type names.
func TestParseOutputType(t *testing.T) {
	t.Parallel()

	for typ, name := range outputTypeNames {
		parsed, err := ParseOutputType(name)
		require.NoError(t, err)
		require.Equal(t, typ, parsed)
		require.Equal(t, name, typ.String())
	}

	_, err := ParseOutputType("tr")
	require.True(t, errorcodes.Is(err, errorcodes.InvalidOutputType))
}

// TestCompileDecodeInverse checks that a single key compiled into a witness
// script decodes back to that key as the only signer.
func TestCompileDecodeInverse(t *testing.T) {
	t.Parallel()

	candidates := []string{
		testPubKeyG, testPubKey2G, testUserXprv, testUserXpub,
		testCustodian,
	}

	rapid.Check(t, func(t *rapid.T) {
		key := rapid.SampledFrom(candidates).Draw(t, "key")
		out := rapid.SampledFrom([]OutputType{
			WitnessScriptHash, NestedWitnessScriptHash,
		}).Draw(t, "out")

		p, err := policy.Parse("pk(" + key + ")")
		require.NoError(t, err)

		desc, err := Compile(p, miniscript.SegwitV0, out)
		require.NoError(t, err)

		tree, err := Decode(desc, nil)
		require.NoError(t, err)
		require.Equal(t, policy.Key{ID: key}, tree.Node)

		require.True(t, tree.Condition.IsSome())
		cond := tree.Condition.UnsafeFromSome()
		require.Equal(t, []string{key}, cond.Signers)
		require.True(t, cond.AbsoluteTimelock.IsNone())
		require.True(t, cond.RelativeTimelock.IsNone())
	})
}

// drawPolicy draws a policy over distinct aliases @k0, @k1, ...
func drawPolicy(t *rapid.T, depth int, next *int) string {
	var kind int
	if depth > 0 {
		kind = rapid.IntRange(0, 3).Draw(t, "kind")
	} else {
		kind = rapid.IntRange(0, 1).Draw(t, "leaf")
	}

	switch kind {
	case 0:
		id := fmt.Sprintf("@k%d", *next)
		*next++

		return "pk(" + id + ")"

	case 1:
		return fmt.Sprintf(
			"older(%d)", rapid.IntRange(1, 5000).Draw(t, "older"),
		)

	default:
		subs := make([]string, rapid.IntRange(2, 3).Draw(t, "n"))
		for i := range subs {
			subs[i] = drawPolicy(t, depth-1, next)
		}
		k := rapid.IntRange(1, len(subs)).Draw(t, "k")

		return fmt.Sprintf("thresh(%d,%s)", k, strings.Join(subs, ","))
	}
}

// TestCompileDecodeKeys checks that compiled policies are deterministic and
// decode to the same keys in the same order.
func TestCompileDecodeKeys(t *testing.T) {
	t.Parallel()

	base := strings.TrimSuffix(testUserXpub, "*")

	rapid.Check(t, func(t *rapid.T) {
		var next int
		text := drawPolicy(t, 3, &next)

		defs := make([]string, next)
		texts := make([]string, next)
		for i := range defs {
			texts[i] = fmt.Sprintf("%s%d", base, i)
			defs[i] = fmt.Sprintf("@k%d=%s", i, texts[i])
		}
		keys, err := keychain.ParseKeyMap(defs...)
		require.NoError(t, err)

		wp, err := CompilePolicy(text, WitnessScriptHash, keys)
		if err != nil {
			require.True(
				t, errorcodes.Is(err, errorcodes.CompileError),
				"%v", err,
			)

			return
		}

		again, err := CompilePolicy(text, WitnessScriptHash, keys)
		require.NoError(t, err)
		require.Equal(t, wp, again)

		tree, err := Decode(wp.Descriptor, nil)
		require.NoError(t, err)
		require.Equal(t, texts, policy.KeyIDs(tree.Node))
	})
}
