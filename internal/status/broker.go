package status

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dmspipeline/analysismgr/internal/logging"
	"github.com/dmspipeline/analysismgr/internal/metrics"
)

// DefaultBrokerInterval is the minimum time between broker updates.
const DefaultBrokerInterval = time.Minute

const brokerUpdateSQL = `CALL sw.update_manager_and_task_status_xml($1, $2)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// BrokerSink stores status documents in the broker database no more often
// than its interval allows.
type BrokerSink struct {
	db      execer
	closeDB func() error
	mgrName string
	limiter *rate.Limiter
}

// OpenBroker connects to the broker database at databaseURL.
func OpenBroker(databaseURL, mgrName string, interval time.Duration) (*BrokerSink, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open broker database: %w", err)
	}

	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping broker database: %w", err)
	}

	s := newBrokerSink(db, mgrName, interval)
	s.closeDB = db.Close
	return s, nil
}

func newBrokerSink(db execer, mgrName string, interval time.Duration) *BrokerSink {
	if interval <= 0 {
		interval = DefaultBrokerInterval
	}
	return &BrokerSink{
		db:      db,
		mgrName: mgrName,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Send stores doc unless the previous update was too recent. force bypasses
// the throttle.
func (s *BrokerSink) Send(ctx context.Context, doc []byte, force bool) error {
	if !s.limiter.Allow() && !force {
		metrics.RecordStatusThrottled("broker")
		return nil
	}
	if _, err := s.db.ExecContext(ctx, brokerUpdateSQL, s.mgrName, string(doc)); err != nil {
		metrics.RecordStatusWrite("broker", false)
		logging.Warn("broker status update failed", zap.String("manager", s.mgrName), zap.Error(err))
		return fmt.Errorf("broker status update: %w", err)
	}
	metrics.RecordStatusWrite("broker", true)
	return nil
}

// Close closes the database connection if OpenBroker created it.
func (s *BrokerSink) Close() error {
	if s.closeDB != nil {
		return s.closeDB()
	}
	return nil
}
