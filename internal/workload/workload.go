// Package workload provides small CPU bound computations used to
// exercise counters.
package workload

import (
	"fmt"
	"math"
	"slices"
)

// Tolerance is the distance to pi/4 at which the series stop.
const Tolerance = 1e-7

// Func is a workload. The returned value keeps the computation from
// being optimised away.
type Func func() float64

var registry = map[string]Func{
	"loop":      Loop,
	"pi-double": PiDouble,
	"pi-float":  PiFloat,
}

// Loop runs a tiny integer loop.
func Loop() float64 {
	var x int

	for i := range 100 {
		x = i + i*2
	}

	return float64(x)
}

// PiDouble approximates pi with the Leibniz series in double precision.
func PiDouble() float64 {
	const target = math.Pi / 4

	var sum float64

	sign := 1.0

	for k := 0; math.Abs(target-sum) > Tolerance; k++ {
		sum += sign / float64(2*k+1)
		sign = -sign
	}

	return 4 * sum
}

// PiFloat approximates pi with the Leibniz series in single precision.
// Rounding errors accumulate until the series settles next to the
// target, at which point the loop stops as well.
func PiFloat() float64 {
	const target = float32(math.Pi / 4)

	var sum, prev float32

	sign := float32(1)

	for k := 0; ; k++ {
		prev = sum
		sum += sign / float32(2*k+1)
		sign = -sign

		if math.Abs(float64(target-sum)) <= Tolerance {
			break
		}

		// Terms below float32 resolution no longer move the sum
		if k > 0 && sum == prev {
			break
		}
	}

	return float64(4 * sum)
}

// Get returns the workload with the given name.
func Get(name string) (Func, error) {
	if f, ok := registry[name]; ok {
		return f, nil
	}

	return nil, fmt.Errorf("unknown workload %q, expected one of %v", name, Names())
}

// Names returns the sorted names of all workloads.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}
