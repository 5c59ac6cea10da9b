// Package ports allocates listening ports for deployment contexts.
package ports

import "errors"

// ErrRangeExhausted is returned when every port in the range is taken. The
// port returned alongside it is the range start, which the caller may still
// use.
var ErrRangeExhausted = errors.New("no available ports in range")

// Range is the half-open port interval [Start, End) handed out to contexts.
type Range struct {
	Start int
	End   int
}

// DefaultRange returns the default port range.
func DefaultRange() Range {
	return Range{Start: 3000, End: 4000}
}

// Size is the number of ports in the range.
func (r Range) Size() int {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains checks if a port is within the range.
func (r Range) Contains(port int) bool {
	return port >= r.Start && port < r.End
}

// Allocate finds the first port in the range that is not in used.
// Pure function - takes used ports as input, returns allocated port.
//
// When the range is exhausted it returns r.Start together with
// ErrRangeExhausted so that the caller can decide whether a shared port is
// acceptable.
func Allocate(used []int, r Range) (int, error) {
	taken := make(map[int]bool, len(used))
	for _, p := range used {
		taken[p] = true
	}

	for port := r.Start; port < r.End; port++ {
		if !taken[port] {
			return port, nil
		}
	}

	return r.Start, ErrRangeExhausted
}
