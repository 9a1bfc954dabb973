package importer

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"SmartBillBook/internal/config"
)

// ImporterService owns the bill import HTTP server and its pipeline.
type ImporterService struct {
	Config map[string]interface{}
	server *http.Server
	store  *Store
}

// NewImporterService wires the import pipeline. ledger, verifier and
// categorizer come from the other domain services; any of them may be nil
// and the pipeline degrades gracefully.
func NewImporterService(cfg map[string]interface{}, db *sql.DB,
	ledger LedgerRecorder, verifier BatchVerifier, categorizer Categorizer) (*ImporterService, error) {

	mappingPath, _ := cfg["mapping_table"].(string)
	mappings, err := LoadMappingTable(mappingPath)
	if err != nil {
		return nil, fmt.Errorf("load mapping table: %w", err)
	}

	store := NewStore(db)
	orchestrator := NewOrchestrator(store, ledger, verifier, categorizer,
		mappings, config.HeaderScanRows)
	retryEngine := NewRetryEngine(store, ledger, categorizer)
	archiver := NewArchiverFromEnv(context.Background())

	handlers := NewHandlers(store, orchestrator, retryEngine, mappings, archiver)
	r := mux.NewRouter()
	handlers.Register(r)
	r.HandleFunc("/import/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	port := 6243
	if p, ok := cfg["port"].(int); ok && p != 0 {
		port = p
	} else if p, ok := cfg["port"].(float64); ok && p != 0 {
		port = int(p)
	}

	return &ImporterService{
		Config: cfg,
		store:  store,
		server: &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: r},
	}, nil
}

func (s *ImporterService) Name() string {
	return "importer"
}

func (s *ImporterService) Start() error {
	go func() {
		log.Println("[Importer] listening on", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Println("[Importer] server stopped:", err)
		}
	}()
	return nil
}

func (s *ImporterService) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Store exposes the batch store to the background jobs.
func (s *ImporterService) Store() *Store {
	return s.store
}
