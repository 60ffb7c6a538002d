package miniscript

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stackmate/keypolicy/keychain"
	"github.com/stretchr/testify/require"
)

const (
	testPubKeyG = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f" +
		"2815b16f81798"

	testPubKey2G = "02c6047f9441ed7d6d3045406e95c07cd85c778e4b8cef3ca7ab" +
		"ac09b95c709ee5"

	testPubKey3G = "02f9308a019258c31049344f85f89d5229b531c845836f99b086" +
		"01f113bce036f9"

	testUncompressedG = "0479be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d9" +
		"59f2815b16f81798483ada7726a3c4655da4fbfc0e1108a8fd17b448a6855" +
		"4199c47d08ffb10d4b8"
)

func testKeyMap(t *testing.T) keychain.KeyMap {
	t.Helper()

	keys, err := keychain.ParseKeyMap(
		"@a="+testPubKeyG, "@b="+testPubKey2G, "@c="+testPubKey3G,
		"@user="+testPubKeyG, "@custodian="+testPubKey2G,
		"@old="+testUncompressedG,
	)
	require.NoError(t, err)

	return keys
}

func resolverFor(keys keychain.KeyMap) KeyResolver {
	return func(id string) ([]byte, error) {
		expr, err := keys.Resolve(id)
		if err != nil {
			return nil, err
		}

		return expr.SerializedPubKeyAt(0)
	}
}

// TestScript checks the script of each fragment against its opcode
// template.
func TestScript(t *testing.T) {
	t.Parallel()

	keys := testKeyMap(t)
	hash := strings.Repeat("ab", 32)
	keyHash := hex.EncodeToString(
		btcutil.Hash160(mustDecodeHex(t, testPubKeyG)),
	)

	testCases := []struct {
		text   string
		disasm string
	}{
		{
			text: "or_d(pk(@a),and_v(v:pk(@b),after(595600)))",
			disasm: testPubKeyG + " OP_CHECKSIG OP_IFDUP OP_NOTIF " +
				testPubKey2G + " OP_CHECKSIGVERIFY 901609 " +
				"OP_CHECKLOCKTIMEVERIFY OP_ENDIF",
		},
		{
			text: "multi(2,@a,@b,@c)",
			disasm: "2 " + testPubKeyG + " " + testPubKey2G + " " +
				testPubKey3G + " 3 OP_CHECKMULTISIG",
		},
		{
			text: "sortedmulti(1,@c,@a)",
			disasm: "1 " + testPubKeyG + " " + testPubKey3G +
				" 2 OP_CHECKMULTISIG",
		},
		{
			text: "v:multi(1,@a,@b)",
			disasm: "1 " + testPubKeyG + " " + testPubKey2G +
				" 2 OP_CHECKMULTISIGVERIFY",
		},
		{
			text: "and_b(pk(@a),s:pk(@b))",
			disasm: testPubKeyG + " OP_CHECKSIG OP_SWAP " +
				testPubKey2G + " OP_CHECKSIG OP_BOOLAND",
		},
		{
			// Only the final opcode folds into the verify.
			text: "v:and_b(pk(@a),s:pk(@b))",
			disasm: testPubKeyG + " OP_CHECKSIG OP_SWAP " +
				testPubKey2G + " OP_CHECKSIG OP_BOOLAND OP_VERIFY",
		},
		{
			text: "thresh(2,pk(@a),s:pk(@b),snl:older(10))",
			disasm: testPubKeyG + " OP_CHECKSIG OP_SWAP " +
				testPubKey2G + " OP_CHECKSIG OP_ADD OP_SWAP OP_IF " +
				"0 OP_ELSE 10 OP_CHECKSEQUENCEVERIFY OP_ENDIF " +
				"OP_0NOTEQUAL OP_ADD 2 OP_EQUAL",
		},
		{
			text: "pkh(@a)",
			disasm: "OP_DUP OP_HASH160 " + keyHash +
				" OP_EQUALVERIFY OP_CHECKSIG",
		},
		{
			text: "v:sha256(" + hash + ")",
			disasm: "OP_SIZE 20 OP_EQUALVERIFY OP_SHA256 " + hash +
				" OP_EQUALVERIFY",
		},
		{
			text: "andor(pk(@a),older(1),pk(@b))",
			disasm: testPubKeyG + " OP_CHECKSIG OP_NOTIF " +
				testPubKey2G + " OP_CHECKSIG OP_ELSE 1 " +
				"OP_CHECKSEQUENCEVERIFY OP_ENDIF",
		},
		{
			text: "or_i(pk(@a),j:pk(@b))",
			disasm: "OP_IF " + testPubKeyG + " OP_CHECKSIG OP_ELSE " +
				"OP_SIZE OP_0NOTEQUAL OP_IF " + testPubKey2G +
				" OP_CHECKSIG OP_ENDIF OP_ENDIF",
		},
		{
			text: "and_b(pk(@a),a:pk(@b))",
			disasm: testPubKeyG + " OP_CHECKSIG OP_TOALTSTACK " +
				testPubKey2G + " OP_CHECKSIG OP_FROMALTSTACK " +
				"OP_BOOLAND",
		},
		{
			text: "dv:older(144)",
			disasm: "OP_DUP OP_IF 9000 OP_CHECKSEQUENCEVERIFY " +
				"OP_VERIFY OP_ENDIF",
		},
	}

	for _, tc := range testCases {
		n := mustParse(t, tc.text)

		script, err := n.Script(resolverFor(keys))
		require.NoError(t, err, tc.text)

		disasm, err := txscript.DisasmString(script)
		require.NoError(t, err)
		require.Equal(t, tc.disasm, disasm, tc.text)
	}
}

func mustDecodeHex(t *testing.T, s string) []byte {
	t.Helper()

	b, err := hex.DecodeString(s)
	require.NoError(t, err)

	return b
}

// TestScriptUnresolvedKey checks that key resolution failures surface.
func TestScriptUnresolvedKey(t *testing.T) {
	t.Parallel()

	n := mustParse(t, "or_d(pk(@a),pk(@nobody))")
	_, err := n.Script(resolverFor(testKeyMap(t)))
	require.Error(t, err)

	_, err = n.Script(func(string) ([]byte, error) {
		return []byte{1, 2, 3}, nil
	})
	require.ErrorContains(t, err, "resolves to 3 bytes")
}

// TestOpCount checks the worst case opcode count, which includes the keys
// of CHECKMULTISIG.
func TestOpCount(t *testing.T) {
	t.Parallel()

	keys := testKeyMap(t)
	testCases := []struct {
		text string
		ops  int
	}{
		{"or_d(pk(@a),and_v(v:pk(@b),after(595600)))", 6},
		{"multi(2,@a,@b,@c)", 4},
		{"pk(@a)", 1},
	}

	for _, tc := range testCases {
		n := mustParse(t, tc.text)
		script, err := n.Script(resolverFor(keys))
		require.NoError(t, err)

		ops, err := opCount(script, n)
		require.NoError(t, err)
		require.Equal(t, tc.ops, ops, tc.text)
	}
}

// TestWitnessItems checks the largest satisfaction and dissatisfaction
// stack sizes.
func TestWitnessItems(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		text      string
		sat, dsat int
	}{
		{"pk(@a)", 1, 1},
		{"pkh(@a)", 2, 2},
		{"older(1)", 0, unavailable},
		{"multi(2,@a,@b,@c)", 3, 3},
		{"or_i(pk(@a),pk(@b))", 2, 2},
		{"and_b(pk(@a),a:pk(@b))", 2, 2},
		{"or_d(pk(@a),and_v(v:pk(@b),after(1)))", 2, unavailable},
		{"thresh(2,pk(@a),s:pk(@b),snl:older(10))", 3, 3},
		{"andor(pk(@a),pkh(@b),pk(@c))", 3, 2},
	}

	for _, tc := range testCases {
		sat, dsat := mustParse(t, tc.text).witnessItems()
		require.Equal(t, tc.sat, sat, tc.text)
		require.Equal(t, tc.dsat, dsat, tc.text)
	}
}
