package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmspipeline/analysismgr/internal/storage/local"
	s3backend "github.com/dmspipeline/analysismgr/internal/storage/s3"
	"github.com/dmspipeline/analysismgr/internal/storage/sftp"
	"github.com/dmspipeline/analysismgr/internal/storage/smb"
)

// NewFromConfig creates a RemoteFS from a backend type string and JSON config.
func NewFromConfig(ctx context.Context, backendType string, config json.RawMessage) (RemoteFS, error) {
	switch backendType {
	case "local":
		return local.NewFromJSON(config)
	case "smb":
		return smb.NewFromJSON(config)
	case "sftp":
		return sftp.NewFromJSON(ctx, config)
	case "s3":
		return s3backend.NewBackendFromJSON(ctx, config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}
