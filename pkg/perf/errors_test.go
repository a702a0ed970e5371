package perf

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestDescribe(t *testing.T) {
	assert.Empty(t, Describe(nil))
	assert.Equal(t, "bad parameters", Describe(ErrBadParameters))
	assert.Equal(t, "not supported: no such device", Describe(wrap(ErrNotSupported, unix.ENODEV)))
	assert.Equal(t, "unknown error: boom", Describe(errors.New("boom")))

	// Every kind has a distinct text
	seen := make(map[string]bool)
	for _, kind := range errorKinds {
		text := Describe(kind)
		assert.NotEmpty(t, text)
		assert.False(t, seen[text], text)
		seen[text] = true
	}
}

func TestWrap(t *testing.T) {
	assert.Equal(t, ErrIO, wrap(ErrIO, nil))

	err := wrap(ErrEventOpen, unix.EINVAL)
	assert.ErrorIs(t, err, ErrEventOpen)
	assert.ErrorIs(t, err, unix.EINVAL)
	assert.NotErrorIs(t, err, ErrNotSupported)
}
