package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"SmartBillBook/internal/notification"
)

// LedgerService owns the balance ledger HTTP server.
type LedgerService struct {
	Config   map[string]interface{}
	server   *http.Server
	store    *Store
	verifier *Verifier
}

func NewLedgerService(cfg map[string]interface{}, db *sql.DB) *LedgerService {
	store := NewStore(db)
	center := notification.NewCenter()
	verifier := NewVerifier(store, db, center)
	handlers := NewHandlers(store, verifier, center)
	r := mux.NewRouter()
	handlers.Register(r)
	r.HandleFunc("/ledger/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	port := 6443
	if p, ok := cfg["port"].(int); ok && p != 0 {
		port = p
	} else if p, ok := cfg["port"].(float64); ok && p != 0 {
		port = int(p)
	}

	return &LedgerService{
		Config:   cfg,
		store:    store,
		verifier: verifier,
		server:   &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: r},
	}
}

func (s *LedgerService) Name() string {
	return "ledger"
}

func (s *LedgerService) Start() error {
	go func() {
		log.Println("[Ledger] listening on", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Println("[Ledger] server stopped:", err)
		}
	}()
	return nil
}

func (s *LedgerService) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Store exposes the event store to the importer wiring.
func (s *LedgerService) Store() *Store {
	return s.store
}

// Verifier exposes the reconciliation engine to the importer wiring.
func (s *LedgerService) Verifier() *Verifier {
	return s.verifier
}
