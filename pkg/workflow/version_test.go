package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Major())
	assert.Equal(t, uint64(2), v.Minor())
	assert.Equal(t, uint64(3), v.Patch())

	v, err = ParseVersion("v2.0.1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v.Major())

	for _, bad := range []string{"", "not-a-version", "1.-2.3"} {
		_, err := ParseVersion(bad)
		assert.ErrorIs(t, err, ErrBadVersionRange, "input %q", bad)
	}
}

func TestVersionRange_Contains(t *testing.T) {
	r, err := ParseVersionRange(">=1.0.0,<2.0.0")
	require.NoError(t, err)

	for s, want := range map[string]bool{
		"1.0.0": true,
		"1.9.9": true,
		"2.0.0": false,
		"0.9.0": false,
	} {
		v, err := ParseVersion(s)
		require.NoError(t, err)
		assert.Equal(t, want, r.Check(v), "version %q", s)
	}
}

func TestVersionRange_Wildcard(t *testing.T) {
	for _, s := range []string{"*", "", "  "} {
		r, err := ParseVersionRange(s)
		require.NoError(t, err)
		for _, vs := range []string{"0.0.1", "99.0.0"} {
			v, err := ParseVersion(vs)
			require.NoError(t, err)
			assert.True(t, r.Check(v))
		}
	}
}

func TestVersionRange_Exact(t *testing.T) {
	r, err := ParseVersionRange("=1.3.0")
	require.NoError(t, err)

	v, err := ParseVersion("1.3.0")
	require.NoError(t, err)
	assert.True(t, r.Check(v))

	v, err = ParseVersion("1.3.1")
	require.NoError(t, err)
	assert.False(t, r.Check(v))
}

func TestVersionRange_Malformed(t *testing.T) {
	_, err := ParseVersionRange(">=1.0.0,nope")
	assert.ErrorIs(t, err, ErrBadVersionRange)
}
