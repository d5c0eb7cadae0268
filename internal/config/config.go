// Package config loads manager configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all analysis manager configuration.
type Config struct {
	// Manager
	MgrName    string
	DebugLevel int
	WorkDir    string

	// Logging
	LogLevel  string
	LogFormat string

	// Observability
	MetricsAddr string

	// Shared cache directories
	OrgDBDir             string
	MSXMLCacheFolderPath string
	MSXMLCacheMaxSizeGB  int

	// Free-space thresholds for FASTA purges
	FreeSpaceThresholdPercent int
	RequiredFreeSpaceMB       int64

	// Results delivery
	FailedResultsFolderPath string
	TransferRetryCount      int
	TransferRetryHoldoff    time.Duration

	// Status reporting
	StatusFilePath          string
	MessageQueueTopic       string
	BrokerDatabaseURL       string
	BrokerDBUpdateInterval  time.Duration
	SettingsRefreshInterval time.Duration

	// Remote transport ("local", "smb", "sftp" or "s3", default: "local")
	RemoteTransport string
	RemoteHost      string
	RemoteUser      string
	RemoteKeyFile   string
	RemotePassword  string
	RemoteBasePath  string

	// Dataset lookup
	DatasetStoragePath string
	DatasetArchivePath string
	DisableMyEMSL      bool

	// S3 storage (remote transport or archive index)
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	host, _ := os.Hostname()
	cfg := &Config{
		MgrName:                   envOr("MGR_NAME", "Pub-"+host),
		DebugLevel:                envInt("MGR_DEBUG_LEVEL", 1),
		WorkDir:                   envOr("MGR_WORK_DIR", ""),
		LogLevel:                  envOr("LOG_LEVEL", "info"),
		LogFormat:                 envOr("LOG_FORMAT", "json"),
		MetricsAddr:               envOr("METRICS_ADDR", ""),
		OrgDBDir:                  envOr("ORG_DB_DIR", ""),
		MSXMLCacheFolderPath:      envOr("MSXML_CACHE_FOLDER_PATH", ""),
		MSXMLCacheMaxSizeGB:       envInt("MSXML_CACHE_MAX_SIZE_GB", 20000),
		FreeSpaceThresholdPercent: envInt("FREE_SPACE_THRESHOLD_PERCENT", 20),
		RequiredFreeSpaceMB:       envInt64("REQUIRED_FREE_SPACE_MB", 0),
		FailedResultsFolderPath:   envOr("FAILED_RESULTS_FOLDER_PATH", ""),
		TransferRetryCount:        envInt("TRANSFER_RETRY_COUNT", 10),
		TransferRetryHoldoff:      envDuration("TRANSFER_RETRY_HOLDOFF", 15*time.Second),
		StatusFilePath:            envOr("STATUS_FILE_PATH", "Status.xml"),
		MessageQueueTopic:         envOr("MESSAGE_QUEUE_TOPIC", "Manager.Status"),
		BrokerDatabaseURL:         envOr("BROKER_DATABASE_URL", ""),
		BrokerDBUpdateInterval:    envDuration("BROKER_DB_UPDATE_INTERVAL", time.Minute),
		SettingsRefreshInterval:   envDuration("SETTINGS_REFRESH_INTERVAL", 5*time.Minute),
		RemoteTransport:           envOr("REMOTE_TRANSPORT", "local"),
		RemoteHost:                envOr("REMOTE_HOST", ""),
		RemoteUser:                envOr("REMOTE_USER", ""),
		RemoteKeyFile:             envOr("REMOTE_KEY_FILE", ""),
		RemotePassword:            envOr("REMOTE_PASSWORD", ""),
		RemoteBasePath:            envOr("REMOTE_BASE_PATH", ""),
		DatasetStoragePath:        envOr("DATASET_STORAGE_PATH", ""),
		DatasetArchivePath:        envOr("DATASET_ARCHIVE_PATH", ""),
		DisableMyEMSL:             envBool("DISABLE_MYEMSL", false),
		S3Endpoint:                envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:                  envOr("S3_BUCKET", "dms-archive"),
		S3AccessKey:               envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:               envOr("S3_SECRET_KEY", ""),
		S3Region:                  envOr("S3_REGION", "us-east-1"),
	}

	if cfg.MgrName == "" {
		return nil, fmt.Errorf("MGR_NAME: %w", ErrMissingParam)
	}
	switch cfg.RemoteTransport {
	case "local", "smb", "sftp", "s3":
	default:
		return nil, fmt.Errorf("REMOTE_TRANSPORT must be local, smb, sftp or s3, got %q", cfg.RemoteTransport)
	}
	if cfg.RemoteTransport == "sftp" && cfg.RemoteHost == "" {
		return nil, fmt.Errorf("REMOTE_HOST is required for sftp: %w", ErrMissingParam)
	}

	return cfg, nil
}

// Params converts the loaded configuration into a manager parameter store
// keyed by the names job plugins look up.
func (c *Config) Params() *Params {
	p := NewParams()
	p.Set(SectionManager, "MgrName", c.MgrName)
	p.Set(SectionManager, "DebugLevel", strconv.Itoa(c.DebugLevel))
	p.Set(SectionManager, "WorkDir", c.WorkDir)
	p.Set(SectionManager, "OrgDBDir", c.OrgDBDir)
	p.Set(SectionManager, "MSXMLCacheFolderPath", c.MSXMLCacheFolderPath)
	p.Set(SectionManager, "FailedResultsFolderPath", c.FailedResultsFolderPath)
	p.Set(SectionManager, "MSXMLCacheMaxSizeGB", strconv.Itoa(c.MSXMLCacheMaxSizeGB))
	p.Set(SectionManager, "TransferRetryCount", strconv.Itoa(c.TransferRetryCount))
	p.Set(SectionManager, "TransferRetryHoldoffSeconds", strconv.Itoa(int(c.TransferRetryHoldoff/time.Second)))
	p.Set(SectionManager, "FreeSpaceThresholdPercent", strconv.Itoa(c.FreeSpaceThresholdPercent))
	p.Set(SectionManager, "RequiredFreeSpaceMB", strconv.FormatInt(c.RequiredFreeSpaceMB, 10))
	return p
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

// envDuration accepts Go durations ("90s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
