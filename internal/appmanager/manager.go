package appmanager

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"SmartBillBook/api"
	"SmartBillBook/api/classify"
	"SmartBillBook/api/importer"
	"SmartBillBook/api/ledger"
	"SmartBillBook/internal/jobs"
	"SmartBillBook/internal/logger"
	"SmartBillBook/internal/serviceiface"
)

var (
	globalDB   *sql.DB
	globalPool *pgxpool.Pool
)

func SetDB(db *sql.DB) {
	globalDB = db
}

func GetDB() *sql.DB {
	return globalDB
}

func SetPgxPool(pool *pgxpool.Pool) {
	globalPool = pool
}

func GetPgxPool() *pgxpool.Pool {
	return globalPool
}

// serviceEntry is one element of the services.yaml sequence.
type serviceEntry struct {
	Name   string                 `yaml:"name"`
	Config map[string]interface{} `yaml:"config"`
}

type servicesFile struct {
	Services []serviceEntry `yaml:"services"`
}

// AppManager constructs and supervises the service set in sequence order.
// Construction order matters: classify and ledger must precede importer so
// the import pipeline can borrow their engines.
type AppManager struct {
	services []serviceiface.Service
	byName   map[string]serviceiface.Service
}

func NewAppManager() *AppManager {
	return &AppManager{byName: map[string]serviceiface.Service{}}
}

// LoadServiceSequence reads services.yaml and constructs every listed
// service. Unknown names are fatal, the sequence is the deployment contract.
func (m *AppManager) LoadServiceSequence(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read service sequence %s: %w", path, err)
	}
	var file servicesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse service sequence %s: %w", path, err)
	}
	if len(file.Services) == 0 {
		return fmt.Errorf("service sequence %s lists no services", path)
	}

	for _, entry := range file.Services {
		svc, err := m.construct(entry.Name, entry.Config)
		if err != nil {
			return fmt.Errorf("construct service %s: %w", entry.Name, err)
		}
		m.services = append(m.services, svc)
		m.byName[entry.Name] = svc
	}
	return nil
}

func (m *AppManager) construct(name string, cfg map[string]interface{}) (serviceiface.Service, error) {
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	switch name {
	case "logger":
		svc := logger.NewLoggerService(cfg)
		logger.SetGlobalLogger(svc)
		return svc, nil
	case "classify":
		if globalPool == nil {
			return nil, fmt.Errorf("classify requires a pgx pool")
		}
		return classify.NewClassifyService(cfg, globalPool), nil
	case "ledger":
		if globalDB == nil {
			return nil, fmt.Errorf("ledger requires a sql db")
		}
		return ledger.NewLedgerService(cfg, globalDB), nil
	case "importer":
		if globalDB == nil {
			return nil, fmt.Errorf("importer requires a sql db")
		}
		var recorder importer.LedgerRecorder
		var verifier importer.BatchVerifier
		if svc, ok := m.byName["ledger"].(*ledger.LedgerService); ok {
			recorder = svc.Store()
			verifier = svc.Verifier()
		}
		var categorizer importer.Categorizer
		if svc, ok := m.byName["classify"].(*classify.ClassifyService); ok {
			categorizer = svc.Engine()
		}
		return importer.NewImporterService(cfg, globalDB, recorder, verifier, categorizer)
	case "cron":
		var store *importer.Store
		if svc, ok := m.byName["importer"].(*importer.ImporterService); ok {
			store = svc.Store()
		}
		var engine *classify.Engine
		if svc, ok := m.byName["classify"].(*classify.ClassifyService); ok {
			engine = svc.Engine()
		}
		if store == nil || engine == nil {
			return nil, fmt.Errorf("cron requires importer and classify in the sequence")
		}
		return jobs.NewCronService(cfg, store, engine), nil
	case "gateway":
		return api.NewGatewayService(cfg), nil
	default:
		return nil, fmt.Errorf("unknown service %q", name)
	}
}

// StartAll starts services in sequence order, stopping the already started
// ones when a later start fails.
func (m *AppManager) StartAll() error {
	started := []serviceiface.Service{}
	for _, svc := range m.services {
		log.Println("[AppManager] starting", svc.Name())
		if err := svc.Start(); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(); stopErr != nil {
					log.Println("[AppManager] stop", started[i].Name(), "failed:", stopErr)
				}
			}
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		started = append(started, svc)
	}
	return nil
}

// StopAll stops services in reverse order.
func (m *AppManager) StopAll() {
	for i := len(m.services) - 1; i >= 0; i-- {
		svc := m.services[i]
		log.Println("[AppManager] stopping", svc.Name())
		if err := svc.Stop(); err != nil {
			log.Println("[AppManager] stop", svc.Name(), "failed:", err)
		}
	}
}
