package classify

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ClassifyService owns the merchant classification HTTP server.
type ClassifyService struct {
	Config map[string]interface{}
	server *http.Server
	engine *Engine
}

func NewClassifyService(cfg map[string]interface{}, pool *pgxpool.Pool) *ClassifyService {
	engine := NewEngine(pool)
	handlers := NewHandlers(engine)
	r := mux.NewRouter()
	handlers.Register(r)
	r.HandleFunc("/classify/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	port := 6343
	if p, ok := cfg["port"].(int); ok && p != 0 {
		port = p
	} else if p, ok := cfg["port"].(float64); ok && p != 0 {
		port = int(p)
	}

	return &ClassifyService{
		Config: cfg,
		engine: engine,
		server: &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: r},
	}
}

func (s *ClassifyService) Name() string {
	return "classify"
}

func (s *ClassifyService) Start() error {
	go func() {
		log.Println("[Classify] listening on", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Println("[Classify] server stopped:", err)
		}
	}()
	return nil
}

func (s *ClassifyService) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Engine exposes the classification engine to the importer and the nightly
// learning job.
func (s *ClassifyService) Engine() *Engine {
	return s.engine
}
