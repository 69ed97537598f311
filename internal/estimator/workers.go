package estimator

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// DefaultWorkers reports the number of hardware threads.
func DefaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}
