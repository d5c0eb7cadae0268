package cache

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// MaxDirSizeFile is the sentinel that switches a cache directory to the
// absolute size cap strategy.
const MaxDirSizeFile = "MaxDirSize.txt"

// ErrMalformedSentinel is returned when MaxDirSize.txt exists but holds no
// usable MaxSizeGB value.
var ErrMalformedSentinel = errors.New("malformed " + MaxDirSizeFile)

// ReadMaxDirSize looks for MaxDirSize.txt in dir. found is false when the
// file does not exist. Lines starting with '#' are comments; the first
// "MaxSizeGB=<int>" line wins.
func ReadMaxDirSize(dir string) (maxSizeGB int, found bool, err error) {
	p := filepath.Join(dir, MaxDirSizeFile)
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "MaxSizeGB") {
			continue
		}
		n, convErr := strconv.Atoi(strings.TrimSpace(value))
		if convErr != nil || n <= 0 {
			return 0, true, fmt.Errorf("%s: MaxSizeGB=%q: %w", p, strings.TrimSpace(value), ErrMalformedSentinel)
		}
		return n, true, nil
	}
	if err := sc.Err(); err != nil {
		return 0, true, fmt.Errorf("read %s: %w", p, err)
	}
	return 0, true, fmt.Errorf("%s: no MaxSizeGB line: %w", p, ErrMalformedSentinel)
}
