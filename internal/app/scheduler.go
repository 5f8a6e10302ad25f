package app

import (
	"context"
	"time"

	"github.com/bobmcallan/mcpnotes/internal/common"
	"github.com/bobmcallan/mcpnotes/internal/interfaces"
)

// startCodePurger removes expired authorization codes on a fixed interval.
func startCodePurger(ctx context.Context, codes interfaces.CodeStore, now func() time.Time, logger *common.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Code purger: stopped")
			return
		case <-ticker.C:
			purgeCodes(ctx, codes, now(), logger)
		}
	}
}

func purgeCodes(ctx context.Context, codes interfaces.CodeStore, now time.Time, logger *common.Logger) int {
	start := time.Now()

	n, err := codes.PurgeExpiredCodes(ctx, now)
	if err != nil {
		logger.Warn().Err(err).Msg("Code purge failed")
		return 0
	}
	if n > 0 {
		logger.Debug().
			Int("purged", n).
			Dur("elapsed", time.Since(start)).
			Msg("Code purge: complete")
	}
	return n
}
