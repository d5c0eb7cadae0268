package cache

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// LastUsedSuffix names the marker written next to a cached file each time it is reused.
	LastUsedSuffix = ".LastUsed"
	// HashcheckSuffix names the companion file recording the cached file's hash.
	HashcheckSuffix = ".hashcheck"

	lastUsedLayout = "2006-01-02 15:04:05"
)

// Accepted layouts for the date inside a .LastUsed marker, newest first.
var lastUsedLayouts = []string{
	lastUsedLayout,
	time.RFC3339,
	"1/2/2006 3:04:05 PM",
}

// MarkFileUsed records that path was just used by writing <path>.LastUsed
// with the current UTC time.
func MarkFileUsed(path string) error {
	return markFileUsedAt(path, time.Now())
}

func markFileUsedAt(path string, at time.Time) error {
	marker := path + LastUsedSuffix
	content := at.UTC().Format(lastUsedLayout) + "\n"
	if err := os.WriteFile(marker, []byte(content), 0644); err != nil {
		return fmt.Errorf("write last-used marker %s: %w", marker, err)
	}
	return nil
}

// ReadLastUsed returns the time recorded in a .LastUsed marker file. An
// unparsable or empty marker yields the marker's own modification time.
func ReadLastUsed(markerPath string) (time.Time, error) {
	info, err := os.Stat(markerPath)
	if err != nil {
		return time.Time{}, err
	}
	f, err := os.Open(markerPath)
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if t, ok := parseLastUsed(line); ok {
			return t, nil
		}
		break
	}
	return info.ModTime().UTC(), nil
}

func parseLastUsed(s string) (time.Time, bool) {
	for _, layout := range lastUsedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// fileLastUsed returns the newest of the file's own mtime, the mtime of any
// "<name>*.hashcheck" companion and the date in "<name>.LastUsed". names is
// the directory listing the companions are looked up in.
func fileLastUsed(dir string, info os.FileInfo, names []string) time.Time {
	newest := info.ModTime().UTC()
	lower := strings.ToLower(info.Name())

	for _, other := range names {
		lo := strings.ToLower(other)
		if lo == lower || !strings.HasPrefix(lo, lower) {
			continue
		}
		full := filepath.Join(dir, other)
		switch {
		case strings.HasSuffix(lo, strings.ToLower(HashcheckSuffix)):
			if hi, err := os.Stat(full); err == nil && hi.ModTime().After(newest) {
				newest = hi.ModTime().UTC()
			}
		case lo == lower+strings.ToLower(LastUsedSuffix):
			if t, err := ReadLastUsed(full); err == nil && t.After(newest) {
				newest = t
			}
		}
	}
	return newest
}
