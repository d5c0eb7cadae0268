package jobctx

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// ParseThreadCount converts a thread-count setting into a number of
// threads for a machine with totalCores cores (runtime.NumCPU() if <= 0).
//
//	""  "all"  "0"      every core
//	"all-2"  "all - 2"  every core but two, at least one
//	"6"                 six, capped at totalCores
func ParseThreadCount(setting string, totalCores int) (int, error) {
	if totalCores <= 0 {
		totalCores = runtime.NumCPU()
	}
	s := strings.ToLower(strings.TrimSpace(setting))
	if s == "" || s == "all" {
		return totalCores, nil
	}

	if rest, ok := strings.CutPrefix(s, "all"); ok {
		rest = strings.TrimSpace(rest)
		reserve, ok := strings.CutPrefix(rest, "-")
		if !ok {
			return 0, fmt.Errorf("invalid thread count %q", setting)
		}
		n, err := strconv.Atoi(strings.TrimSpace(reserve))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid thread count %q", setting)
		}
		return max(1, totalCores-n), nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid thread count %q: %w", setting, err)
	}
	if n <= 0 {
		return totalCores, nil
	}
	return min(n, totalCores), nil
}
