package diskspace

import (
	"math"
	"testing"
)

func TestGetTempDir(t *testing.T) {
	u, err := Get(t.TempDir())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if u.Total <= 0 {
		t.Errorf("Total = %d, want > 0", u.Total)
	}
	if u.Free < 0 || u.Free > u.Total {
		t.Errorf("Free = %d outside [0, %d]", u.Free, u.Total)
	}
}

func TestGetMissingPath(t *testing.T) {
	if _, err := Get("/nonexistent/analysismgr/path"); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestPercentFree(t *testing.T) {
	u := Usage{Total: 200, Free: 30}
	if got := u.PercentFree(); math.Abs(got-15) > 1e-9 {
		t.Errorf("PercentFree = %v, want 15", got)
	}
	if got := (Usage{}).PercentFree(); got != 0 {
		t.Errorf("empty PercentFree = %v, want 0", got)
	}
}

func TestFixed(t *testing.T) {
	f := Fixed(Usage{Total: 10, Free: 5})
	u, err := f("anything")
	if err != nil || u.Free != 5 {
		t.Errorf("Fixed returned %+v, %v", u, err)
	}
}
