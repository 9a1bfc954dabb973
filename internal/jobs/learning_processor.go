package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"SmartBillBook/api/classify"
	"SmartBillBook/internal/logger"
)

// RunLearningPass mines recent categorized transactions into merchant
// mappings. Nightly; safe to rerun, the upsert never lowers confidence.
func RunLearningPass(engine *classify.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	learned, err := engine.BatchLearn(ctx)
	if err != nil {
		log.Println("[Cron] learning pass failed:", err)
		return
	}
	log.Println("[Cron] learning pass wrote", learned, "merchant mappings")
	if logger.GlobalLogger != nil {
		logger.GlobalLogger.LogAudit(fmt.Sprintf("nightly learning pass wrote %d merchant mappings", learned))
	}
}
