package api

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"SmartBillBook/pkg/loadbalancer"
)

// routeTable maps path prefixes to backend replica addresses. Each domain
// service runs its own HTTP server; the gateway is the single public entry
// point and round-robins when a route has more than one replica.
var routeTable = map[string][]string{
	"/import/":   {"http://localhost:6243"},
	"/classify/": {"http://localhost:6343"},
	"/ledger/":   {"http://localhost:6443"},
}

func newGatewayHandler() http.Handler {
	mux := http.NewServeMux()

	for prefix, backends := range routeTable {
		proxies := map[string]*httputil.ReverseProxy{}
		valid := make([]string, 0, len(backends))
		for _, backend := range backends {
			target, err := url.Parse(backend)
			if err != nil {
				log.Println("[Gateway] invalid backend url:", backend, err)
				continue
			}
			proxy := httputil.NewSingleHostReverseProxy(target)
			proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
				log.Println("[Gateway] proxy error for", r.URL.Path, ":", err)
				RespondWithError(w, http.StatusBadGateway, "backend service unavailable")
			}
			proxies[backend] = proxy
			valid = append(valid, backend)
		}
		if len(valid) == 0 {
			continue
		}

		balancer := loadbalancer.New(valid)
		mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
			proxies[balancer.Next()].ServeHTTP(w, r)
		})
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "ok",
			"backends": backendList(),
		})
	})

	return mux
}

func backendList() []string {
	list := make([]string, 0, len(routeTable))
	for prefix := range routeTable {
		list = append(list, strings.TrimSuffix(prefix, "/"))
	}
	return list
}
