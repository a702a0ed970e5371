package perf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKernelVersion(t *testing.T) {
	tests := []struct {
		release string
		want    KernelVersion
		wantErr bool
	}{
		{release: "5.10.2", want: KernelVersion{5, 10, 2}},
		{release: "4.15.0-213-generic", want: KernelVersion{4, 15, 0}},
		{release: "6.8.12+deb13-amd64", want: KernelVersion{6, 8, 12}},
		{release: "6.1.0\n", want: KernelVersion{6, 1, 0}},
		{release: "6.1", wantErr: true},
		{release: "six.one.zero", wantErr: true},
		{release: "6.1rc.0", wantErr: true},
		{release: "", wantErr: true},
	}

	for _, test := range tests {
		got, err := ParseKernelVersion(test.release)
		if test.wantErr {
			require.ErrorIs(t, err, ErrIO, test.release)

			continue
		}

		require.NoError(t, err, test.release)
		assert.Equal(t, test.want, got, test.release)
	}
}

func TestKernelVersionAtLeast(t *testing.T) {
	assert.True(t, KernelVersion{5, 8, 0}.AtLeast(5, 8))
	assert.True(t, KernelVersion{5, 10, 2}.AtLeast(5, 8))
	assert.True(t, KernelVersion{6, 1, 0}.AtLeast(5, 8))
	assert.False(t, KernelVersion{5, 7, 19}.AtLeast(5, 8))
	assert.False(t, KernelVersion{4, 15, 0}.AtLeast(5, 8))
	assert.Equal(t, "5.10.2", KernelVersion{5, 10, 2}.String())
}

func TestCurrentKernelVersion(t *testing.T) {
	version, err := CurrentKernelVersion()
	require.NoError(t, err)
	assert.Positive(t, version.Major)
}
