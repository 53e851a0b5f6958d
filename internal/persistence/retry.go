package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// withRetry runs a store operation with bounded linear backoff. The database
// is the only durable shared resource and may be briefly unavailable; after a
// failed attempt one Ping is issued to let the pool re-establish dead
// connections. Exhausted retries propagate the error, which fails the job.
func withRetry(db *sql.DB, log *slog.Logger, attempts int, backoff time.Duration, op string,
	fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		log.Warn("store operation failed.", slog.String("op", op),
			slog.String("attempt", fmt.Sprintf("%d/%d", i, attempts)),
			slog.String("err", err.Error()))
		if i == attempts {
			break
		}
		if pingErr := db.Ping(); pingErr != nil {
			log.Warn("database not responding.", slog.String("err", pingErr.Error()))
		}
		time.Sleep(backoff * time.Duration(i))
	}
	return fmt.Errorf("%s: %w", op, err)
}
