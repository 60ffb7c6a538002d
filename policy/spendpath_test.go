package policy

import (
	"testing"

	"github.com/stackmate/keypolicy/errorcodes"
	"github.com/stretchr/testify/require"
)

// TestParseSpendPath checks the ID=i,j selection syntax.
func TestParseSpendPath(t *testing.T) {
	t.Parallel()

	path, err := ParseSpendPath("0a1b2c3d=1", "ffffffff=0, 2", "0a1b2c3d=0")
	require.NoError(t, err)
	require.Equal(t, SpendPath{
		"0a1b2c3d": {1, 0},
		"ffffffff": {0, 2},
	}, path)

	path, err = ParseSpendPath()
	require.NoError(t, err)
	require.Empty(t, path)

	for _, bad := range []string{"", "abc", "=1", "abc=", "abc=x", "abc=-1"} {
		_, err := ParseSpendPath(bad)
		require.True(
			t, errorcodes.Is(err, errorcodes.InvalidSpendingPath), bad,
		)
	}
}
