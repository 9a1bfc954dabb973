package jobs

import (
	"log"

	"github.com/robfig/cron/v3"

	"SmartBillBook/api/classify"
	"SmartBillBook/api/importer"
	"SmartBillBook/internal/config"
)

// CronService runs the periodic maintenance jobs: the stuck-batch sweep and
// the nightly merchant learning pass.
type CronService struct {
	Config map[string]interface{}
	cron   *cron.Cron
	store  *importer.Store
	engine *classify.Engine
}

func NewCronService(cfg map[string]interface{}, store *importer.Store, engine *classify.Engine) *CronService {
	return &CronService{
		Config: cfg,
		cron:   cron.New(),
		store:  store,
		engine: engine,
	}
}

func (c *CronService) Name() string {
	return "cron"
}

func (c *CronService) schedule(key, fallback string) string {
	if s, ok := c.Config[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func (c *CronService) Start() error {
	sweep := c.schedule("sweep_schedule", config.DefaultSweepSchedule)
	if _, err := c.cron.AddFunc(sweep, func() {
		RunStuckBatchSweep(c.store)
	}); err != nil {
		return err
	}

	learn := c.schedule("learning_schedule", config.DefaultLearningSchedule)
	if _, err := c.cron.AddFunc(learn, func() {
		RunLearningPass(c.engine)
	}); err != nil {
		return err
	}

	c.cron.Start()
	log.Println("[Cron] scheduled sweep at", sweep, "and learning at", learn)
	return nil
}

func (c *CronService) Stop() error {
	ctx := c.cron.Stop()
	<-ctx.Done()
	return nil
}
