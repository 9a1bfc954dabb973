package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"SmartBillBook/api/importer"
	"SmartBillBook/internal/config"
	"SmartBillBook/internal/logger"
)

// RunStuckBatchSweep force-fails processing batches whose worker goroutine
// died without finalizing, so no batch stays in processing forever.
func RunStuckBatchSweep(store *importer.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	n, err := store.FailStuckBatches(ctx, time.Duration(config.StuckBatchTimeoutMin)*time.Minute)
	if err != nil {
		log.Println("[Cron] stuck batch sweep failed:", err)
		return
	}
	if n > 0 {
		log.Println("[Cron] stuck batch sweep failed", n, "abandoned batches")
		if logger.GlobalLogger != nil {
			logger.GlobalLogger.LogAudit(fmt.Sprintf("sweep marked %d stuck import batches failed", n))
		}
	}
}
