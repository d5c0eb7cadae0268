// Package diskspace reports total and available bytes for the volume
// holding a path.
package diskspace

import (
	"fmt"
	"os"
)

// Usage is a point-in-time view of one volume.
type Usage struct {
	Total int64
	Free  int64
}

// PercentFree returns Free as a percentage of Total, or 0 for an empty volume.
func (u Usage) PercentFree() float64 {
	if u.Total <= 0 {
		return 0
	}
	return float64(u.Free) / float64(u.Total) * 100
}

// FreeMB returns available space in MiB.
func (u Usage) FreeMB() float64 {
	return float64(u.Free) / 1024 / 1024
}

// Func returns the Usage of the volume holding path. Purge code takes a
// Func so tests can simulate space pressure.
type Func func(path string) (Usage, error)

// Get returns the Usage of the volume holding path.
func Get(path string) (Usage, error) {
	if _, err := os.Stat(path); err != nil {
		return Usage{}, fmt.Errorf("disk usage of %s: %w", path, err)
	}
	u, err := volumeUsage(path)
	if err != nil {
		return Usage{}, fmt.Errorf("disk usage of %s: %w", path, err)
	}
	return u, nil
}

// Fixed returns a Func that always reports u.
func Fixed(u Usage) Func {
	return func(string) (Usage, error) { return u, nil }
}
