package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentUname(t *testing.T) {
	u, err := CurrentUname()
	require.NoError(t, err)

	assert.Equal(t, "Linux", u.Sysname)
	assert.NotEmpty(t, u.Release)
	assert.Contains(t, u.String(), u.Release)
}

func TestFdLimits(t *testing.T) {
	l, err := FdLimits()
	require.NoError(t, err)

	assert.LessOrEqual(t, l.Soft, l.Hard)
}

func TestLimitString(t *testing.T) {
	assert.Equal(t, "(soft=1024, hard=unlimited)", Limit{Soft: 1024, Hard: unlimited}.String())
}
