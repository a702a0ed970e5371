package perf

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// KernelVersion is the major.minor.patch triple of a kernel release.
type KernelVersion struct {
	Major int
	Minor int
	Patch int
}

// String implements the fmt.Stringer interface.
func (v KernelVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// AtLeast returns true if v is equal to or newer than major.minor.
func (v KernelVersion) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}

	return v.Minor >= minor
}

// ParseKernelVersion parses the leading three dot separated integers of
// a kernel release string. Anything following the patch number, like a
// vendor suffix in "5.15.0-91-generic", is ignored.
func ParseKernelVersion(release string) (KernelVersion, error) {
	parts := strings.SplitN(strings.TrimSpace(release), ".", 3)
	if len(parts) < 3 {
		return KernelVersion{}, fmt.Errorf("%w: malformed kernel release %q", ErrIO, release)
	}

	var nums [3]int

	for i, part := range parts {
		digits := leadingDigits(part)
		if digits == "" {
			return KernelVersion{}, fmt.Errorf("%w: malformed kernel release %q", ErrIO, release)
		}

		// A full number is only allowed before the last component
		if i < 2 && digits != part {
			return KernelVersion{}, fmt.Errorf("%w: malformed kernel release %q", ErrIO, release)
		}

		n, err := strconv.Atoi(digits)
		if err != nil {
			return KernelVersion{}, fmt.Errorf("%w: malformed kernel release %q: %w", ErrIO, release, err)
		}

		nums[i] = n
	}

	return KernelVersion{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// CurrentKernelVersion returns the version of the running kernel.
func CurrentKernelVersion() (KernelVersion, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return KernelVersion{}, wrap(ErrLibraryFailure, err)
	}

	return ParseKernelVersion(unix.ByteSliceToString(uname.Release[:]))
}

func leadingDigits(s string) string {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}

	return s[:end]
}
