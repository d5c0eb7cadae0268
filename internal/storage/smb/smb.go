// Package smb provides an SMB/CIFS network share RemoteFS.
// The share must be pre-mounted on the OS (via mount.cifs or fstab).
// This backend delegates to the local filesystem backend at the mount path.
package smb

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dmspipeline/analysismgr/internal/storage/local"
)

// Config holds SMB backend settings. Server is recorded for log messages;
// actual I/O uses MountPath where the share is pre-mounted.
type Config struct {
	Server    string `json:"server"`     // SMB server path (e.g., //proto-6/DMS3_Xfer)
	MountPath string `json:"mount_path"` // Local mount point where share is mounted
}

// SMBBackend wraps a LocalBackend at the SMB mount point.
type SMBBackend struct {
	*local.LocalBackend
	config Config
}

// New creates a new SMB backend from the given config.
func New(cfg Config) (*SMBBackend, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}

	lb, err := local.New(local.Config{
		RootPath:   cfg.MountPath,
		CreateDirs: true,
		HostName:   serverHost(cfg.Server),
	})
	if err != nil {
		return nil, fmt.Errorf("smb backend at %s: %w", cfg.MountPath, err)
	}

	return &SMBBackend{
		LocalBackend: lb,
		config:       cfg,
	}, nil
}

// NewFromJSON creates an SMBBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*SMBBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse smb config: %w", err)
	}
	return New(cfg)
}

// serverHost extracts "proto-6" from "//proto-6/DMS3_Xfer" or `\\proto-6\DMS3_Xfer`.
func serverHost(server string) string {
	s := strings.TrimLeft(strings.ReplaceAll(server, `\`, "/"), "/")
	if i := strings.Index(s, "/"); i >= 0 {
		s = s[:i]
	}
	return s
}

// Type returns "smb".
func (b *SMBBackend) Type() string { return "smb" }
