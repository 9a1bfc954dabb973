package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
)

// GatewayService fronts the domain services behind a reverse proxy.
type GatewayService struct {
	Config map[string]interface{}
	server *http.Server
}

func NewGatewayService(config map[string]interface{}) *GatewayService {
	return &GatewayService{Config: config}
}

func (g *GatewayService) Name() string {
	return "gateway"
}

func (g *GatewayService) Start() error {
	port := 8081
	if p, ok := g.Config["port"].(int); ok && p != 0 {
		port = p
	} else if p, ok := g.Config["port"].(float64); ok && p != 0 {
		port = int(p)
	}

	g.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: newGatewayHandler(),
	}
	go func() {
		log.Println("[Gateway] listening on", g.server.Addr)
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Println("[Gateway] server stopped:", err)
		}
	}()
	return nil
}

func (g *GatewayService) Stop() error {
	if g.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.server.Shutdown(ctx)
}
