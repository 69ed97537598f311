package estimator

import (
	"fmt"
	"math/bits"
	"strings"

	"maxent/internal/model"
)

type Ordering string

const (
	OrderingGray   Ordering = "gray"
	OrderingBinary Ordering = "binary"
)

func ParseOrdering(name string) (Ordering, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "gray":
		return OrderingGray, nil
	case "binary":
		return OrderingBinary, nil
	default:
		return "", fmt.Errorf("unsupported enumeration ordering: %s", name)
	}
}

// Sequence enumerates all 2^n configurations of n spins. Spin i is -1 when
// bit n-1-i of the configuration code is set.
type Sequence struct {
	N        int
	Ordering Ordering
}

func (q Sequence) Len() uint64 { return uint64(1) << q.N }

func (q Sequence) code(k uint64) uint64 {
	if q.Ordering == OrderingBinary {
		return k
	}
	return k ^ (k >> 1)
}

// Configuration writes the k-th configuration of the sequence into dst.
func (q Sequence) Configuration(k uint64, dst model.Spins) {
	code := q.code(k)
	for i := 0; i < q.N; i++ {
		if code&(uint64(1)<<(q.N-1-i)) != 0 {
			dst[i] = -1
		} else {
			dst[i] = 1
		}
	}
}

// FlipIndex is the spin that differs between positions k-1 and k of a Gray
// sequence. It is only meaningful for k > 0.
func (q Sequence) FlipIndex(k uint64) int {
	return q.N - 1 - bits.TrailingZeros64(k)
}

type Range struct {
	Start uint64
	End   uint64
}

// Partition splits [0,total) into at most parts contiguous ranges of near
// equal size.
func Partition(total uint64, parts int) []Range {
	if parts < 1 {
		parts = 1
	}
	if uint64(parts) > total {
		parts = int(total)
	}
	if parts == 0 {
		return nil
	}
	out := make([]Range, 0, parts)
	chunk := total / uint64(parts)
	extra := total % uint64(parts)
	var start uint64
	for i := 0; i < parts; i++ {
		size := chunk
		if uint64(i) < extra {
			size++
		}
		out = append(out, Range{Start: start, End: start + size})
		start += size
	}
	return out
}
