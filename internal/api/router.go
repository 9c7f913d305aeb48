package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"

	"gif-forge/internal/config"
	"gif-forge/internal/metrics"
	"gif-forge/internal/ws"
)

func NewRouter(
	ctx context.Context,
	cfg config.Config,
	queue JobQueue,
	hub *ws.Hub,
	jobHub *ws.JobHub,
	collector *metrics.Collector,
) http.Handler {
	h := &Handler{
		cfg:    cfg,
		queue:  queue,
		hub:    hub,
		jobHub: jobHub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.Healthz)
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/v1/ws", h.WebSocket)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/generate_gif", h.GenerateGIF)
	apiMux.HandleFunc("/api/jobs", h.Jobs)
	apiMux.HandleFunc("/api/jobs/", h.JobRoute)
	mux.Handle("/api/", withoutUpgrade(gzhttp.GzipHandler(apiMux), apiMux))

	return chain(mux,
		requestLogger(),
		requestMetrics(collector),
		cors(cfg.AllowedOrigins),
		rateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst),
		func(next http.Handler) http.Handler { return limitBody(cfg.MaxUploadSizeBytes, next) },
	)
}

func limitBody(maxSize int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSize)
		next.ServeHTTP(w, r)
	})
}

// withoutUpgrade sends websocket upgrades to plain so the connection can be
// hijacked; everything else goes through compressed.
func withoutUpgrade(compressed, plain http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			plain.ServeHTTP(w, r)
			return
		}
		compressed.ServeHTTP(w, r)
	})
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
