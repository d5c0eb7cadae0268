package smb

import "testing"

func TestServerHost(t *testing.T) {
	cases := map[string]string{
		"//proto-6/DMS3_Xfer": "proto-6",
		`\\proto-6\DMS3_Xfer`: "proto-6",
		"proto-7":             "proto-7",
	}
	for in, want := range cases {
		if got := serverHost(in); got != want {
			t.Errorf("serverHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewUsesMountPath(t *testing.T) {
	if _, err := New(Config{Server: "//proto-6/x"}); err == nil {
		t.Fatal("expected error without mount_path")
	}
	b, err := New(Config{Server: "//proto-6/DMS3_Xfer", MountPath: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.Type() != "smb" || b.Host() != "proto-6" {
		t.Errorf("Type/Host = %s/%s", b.Type(), b.Host())
	}
}
