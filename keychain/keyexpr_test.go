package keychain

import (
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stackmate/keypolicy/errorcodes"
	"github.com/stretchr/testify/require"
)

const (
	testUserXprv = "[db7d25b5/84'/1'/6']tprv8fWev2sCuSkVWYoNUUSEuqLkmmfi" +
		"ZaVtgxosS5jRE9fw5ejL2odsajv1QyiLrPri3ppgyta6dsFaoDVCF4ZdEAR6qq" +
		"Y4tnaosujsPzLxB49/*"

	testCustodian = "[66a0c105/84'/1'/5']tpubDCKvnVh6U56wTSUEJGamQzdb3ByA" +
		"c6gTPbjxXQqts5Bf1dBMopknipUUSmAV3UuihKPTddruSZCiqhyiYyhFWhz62SA" +
		"GuC3PYmtAafUuG6R/*"

	// testPubKeyG is the compressed generator point.
	testPubKeyG = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f" +
		"2815b16f81798"
)

// TestParseDerivationPath covers the accepted path forms.
func TestParseDerivationPath(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		path    string
		want    DerivationPath
		wantErr bool
	}{
		{path: "m", want: DerivationPath{}},
		{path: "m/84h/1h/0h", want: HardenedPath(84, 1, 0)},
		{path: "m/84'/1'/0'", want: HardenedPath(84, 1, 0)},
		{path: " m/0H ", want: HardenedPath(0)},
		{
			path: "0/7",
			want: DerivationPath{{Index: 0}, {Index: 7}},
		},
		{
			path: "m/2147483647",
			want: DerivationPath{{Index: 2147483647}},
		},
		{path: "m/2147483648", wantErr: true},
		{path: "m/+1", wantErr: true},
		{path: "m/1''", wantErr: true},
		{path: "m/", wantErr: true},
		{path: "", wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.path, func(t *testing.T) {
			t.Parallel()

			path, err := ParseDerivationPath(tc.path)
			if tc.wantErr {
				require.True(t, errorcodes.Is(
					err, errorcodes.InvalidDerivationPath,
				))
				return
			}
			require.NoError(t, err)
			require.True(t, tc.want.Equal(path), path.String())
		})
	}

	path, err := ParseDerivationPath("m/84'/1'/0'/0/5")
	require.NoError(t, err)
	require.Equal(t, "m/84h/1h/0h/0/5", path.String())
	require.True(t, path.HasHardened())
	require.Equal(t, []uint32{
		84 + hdkeychain.HardenedKeyStart,
		1 + hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart, 0, 5,
	}, path.ChildIndexes())
}

// TestParseAbsolutePath checks that only paths from the master key parse.
func TestParseAbsolutePath(t *testing.T) {
	t.Parallel()

	path, err := ParseAbsolutePath("m/84h/1h/0h")
	require.NoError(t, err)
	require.True(t, HardenedPath(84, 1, 0).Equal(path))

	path, err = ParseAbsolutePath(" m ")
	require.NoError(t, err)
	require.Empty(t, path)

	for _, bad := range []string{"84h/1h/0h", "0/7", "", "/0", "mm/0"} {
		_, err := ParseAbsolutePath(bad)
		require.True(
			t, errorcodes.Is(err, errorcodes.InvalidDerivationPath),
			"path %q", bad,
		)
	}
}

// TestParseKeyExprExtended checks origin, wildcard and public forms of an
// extended key expression.
func TestParseKeyExprExtended(t *testing.T) {
	t.Parallel()

	expr, err := ParseKeyExpr(testUserXprv)
	require.NoError(t, err)

	require.Equal(t, testUserXprv, expr.String())
	require.True(t, expr.IsPrivate())
	require.True(t, expr.IsRange())
	require.True(t, expr.IsCompressed())
	require.True(t, expr.IsForNet(&chaincfg.TestNet3Params))
	require.False(t, expr.IsForNet(&chaincfg.MainNetParams))
	require.True(t, expr.Origin.IsSome())

	origin := expr.Origin.UnsafeFromSome()
	require.Equal(t, "db7d25b5", origin.Fingerprint.String())
	require.True(t, origin.Path.Equal(HardenedPath(84, 1, 6)))

	pub, err := expr.Public()
	require.NoError(t, err)
	require.False(t, pub.IsPrivate())
	require.True(t, strings.HasPrefix(pub.String(), "[db7d25b5/84'/1'/6']tpub"))
	require.True(t, strings.HasSuffix(pub.String(), "/*"))

	// The public form must derive the same children.
	for _, index := range []uint32{0, 1, 42} {
		privChild, err := expr.SerializedPubKeyAt(index)
		require.NoError(t, err)
		pubChild, err := pub.SerializedPubKeyAt(index)
		require.NoError(t, err)
		require.Equal(t, privChild, pubChild)
	}

	reparsed, err := ParseKeyExpr(pub.String())
	require.NoError(t, err)
	require.Equal(t, pub.String(), reparsed.String())

	derivation, err := expr.Bip32Derivation(7)
	require.NoError(t, err)
	require.Equal(
		t, origin.Fingerprint.Uint32(), derivation.MasterKeyFingerprint,
	)
	require.Equal(t, []uint32{
		84 + hdkeychain.HardenedKeyStart,
		1 + hdkeychain.HardenedKeyStart,
		6 + hdkeychain.HardenedKeyStart, 7,
	}, derivation.Bip32Path)
}

// TestParseKeyExprSingle checks hex public keys.
func TestParseKeyExprSingle(t *testing.T) {
	t.Parallel()

	expr, err := ParseKeyExpr(testPubKeyG)
	require.NoError(t, err)
	require.False(t, expr.IsPrivate())
	require.False(t, expr.IsRange())
	require.True(t, expr.IsForNet(&chaincfg.MainNetParams))

	a, err := expr.SerializedPubKeyAt(0)
	require.NoError(t, err)
	b, err := expr.SerializedPubKeyAt(99)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 33)

	withOrigin, err := ParseKeyExpr("[deadbeef/0h]" + testPubKeyG)
	require.NoError(t, err)
	fingerprint, err := withOrigin.MasterFingerprint()
	require.NoError(t, err)
	require.Equal(t, "deadbeef", fingerprint.String())
}

// TestParseKeyExprErrors checks that malformed expressions are rejected with
// the sentinel error.
func TestParseKeyExprErrors(t *testing.T) {
	t.Parallel()

	bad := []string{
		"",
		"A",
		"[db7d25b5/84'" + testCustodian[20:],
		"[db7d25/84']" + testCustodian[20:],
		testPubKeyG + "/0",
		testCustodian + "/0",
		strings.Replace(testCustodian, "/*", "/*/1", 1),
		strings.Replace(testCustodian, "/*", "/**", 1),
		strings.Replace(testCustodian, "/*", "/", 1),
		"05" + strings.Repeat("11", 32),
	}
	for _, s := range bad {
		_, err := ParseKeyExpr(s)
		require.Error(t, err, s)
		require.True(t, errors.Is(err, ErrInvalidKeyExpr), s)
	}
}

// TestHardenedFromPublic checks that hardened steps below a public key fail
// once a concrete key is requested.
func TestHardenedFromPublic(t *testing.T) {
	t.Parallel()

	expr, err := ParseKeyExpr(strings.Replace(
		testCustodian, "/*", "/*h", 1,
	))
	require.NoError(t, err)
	require.Equal(t, WildcardHardened, expr.Wildcard)

	_, err = expr.PubKeyAt(0)
	require.True(t, errorcodes.Is(err, errorcodes.DerivationFailed))

	_, err = expr.PubKeyAt(hdkeychain.HardenedKeyStart)
	require.True(t, errorcodes.Is(err, errorcodes.DerivationFailed))
}

// TestKeyMap checks alias definitions, resolution and merging.
func TestKeyMap(t *testing.T) {
	t.Parallel()

	keys, err := ParseKeyMap("@user="+testUserXprv, "@custodian="+testCustodian)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.True(t, IsAlias("@user"))
	require.False(t, IsAlias(testCustodian))

	user, err := keys.Resolve("@user")
	require.NoError(t, err)
	require.Equal(t, testUserXprv, user.String())

	_, err = keys.Resolve("@nobody")
	require.True(t, errorcodes.Is(err, errorcodes.UnresolvedKey))

	other, err := ParseKeyMap("@user="+testPubKeyG, "@extra="+testPubKeyG)
	require.NoError(t, err)

	merged := keys.Merge(other)
	require.Len(t, merged, 3)
	require.Equal(t, testUserXprv, merged["@user"].String())
	require.Equal(t, testPubKeyG, merged["@extra"].String())

	for _, def := range []string{"user=" + testPubKeyG, "@=" + testPubKeyG,
		"@user"} {

		_, err := ParseKeyMap(def)
		require.Error(t, err, def)
	}
}

// TestPSBTOriginInverses checks that fingerprints and paths survive the
// PSBT record encoding.
func TestPSBTOriginInverses(t *testing.T) {
	t.Parallel()

	fingerprint, err := ParseFingerprint("db7d25b5")
	require.NoError(t, err)
	require.Equal(
		t, fingerprint, FingerprintFromUint32(fingerprint.Uint32()),
	)

	path, err := ParseDerivationPath("m/84h/1h/6h/0/5")
	require.NoError(t, err)
	require.True(t, path.Equal(PathFromIndexes(path.ChildIndexes())))
	require.Equal(t, "m/84h/1h/6h/0/5", PathFromIndexes(
		path.ChildIndexes(),
	).String())
}
