package remotefs

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/vfsinit/internal/logger"
)

// newRouter builds the chi router.
//
// Routes:
//   - GET /healthz - Liveness probe
//   - GET /v1/stat/* - Inode attributes
//   - GET /v1/list/* - Directory listing
//   - GET|PUT|DELETE /v1/files/* - Read, write and remove file contents
//   - POST /v1/sync - Flush dirty data to durable storage
//   - GET|POST|DELETE /v1/locks/* - Byte-range locks
//   - POST /v1/lifecycle/{action} - Deliver a lifecycle event
func (s *Server) newRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stat/*", s.handleStat)
		r.Get("/list/*", s.handleList)

		r.Route("/files", func(r chi.Router) {
			r.Get("/*", s.handleRead)
			r.Put("/*", s.handleWrite)
			r.Delete("/*", s.handleRemove)
		})

		r.Post("/sync", s.handleSync)

		r.Route("/locks", func(r chi.Router) {
			r.Get("/*", s.handleListLocks)
			r.Post("/*", s.handleLock)
			r.Delete("/*", s.handleUnlock)
		})

		r.Post("/lifecycle/{action}", s.handleLifecycle)
	})

	return r
}

// requestLogger logs every request through the internal logger; health
// probes are logged at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		args := []any{
			"request_id", middleware.GetReqID(r.Context()),
			logger.KeyMethod, r.Method,
			logger.KeyPath, r.URL.Path,
			logger.KeyStatus, ww.Status(),
			logger.KeyBytes, ww.BytesWritten(),
			logger.KeyDurationMs, logger.Duration(start),
		}
		if r.URL.Path == "/healthz" {
			logger.Debug("Remote request completed", args...)
			return
		}
		logger.Info("Remote request completed", args...)
	})
}
