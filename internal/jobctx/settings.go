package jobctx

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dmspipeline/analysismgr/internal/config"
	"github.com/dmspipeline/analysismgr/internal/logging"
)

// DefaultSettingsRefreshInterval is the minimum time between manager
// settings reloads.
const DefaultSettingsRefreshInterval = 5 * time.Minute

// SettingsRefresher limits how often manager settings are reloaded. Each
// caller owns its own refresher.
type SettingsRefresher struct {
	limiter *rate.Limiter
}

// NewSettingsRefresher allows one reload per interval; the first call is
// always allowed.
func NewSettingsRefresher(interval time.Duration) *SettingsRefresher {
	if interval <= 0 {
		interval = DefaultSettingsRefreshInterval
	}
	return &SettingsRefresher{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Refresh calls load if the interval has elapsed since the last reload and
// reports whether it ran.
func (r *SettingsRefresher) Refresh(ctx context.Context, load func(context.Context) error) (bool, error) {
	if !r.limiter.Allow() {
		return false, nil
	}
	return true, load(ctx)
}

// ApplyDebugLevel sets the log level from the manager's DebugLevel setting.
func ApplyDebugLevel(mgr config.MgrParams) {
	level := logging.LevelForDebug(config.Int(mgr.GetParam("DebugLevel", ""), 1))
	logging.SetLevel(level)
	logging.Debug("log level applied", zap.String("level", level))
}
