package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"order-alert-pipeline/pkg/config"
	"order-alert-pipeline/pkg/handlers"
	"order-alert-pipeline/pkg/operator"
	"order-alert-pipeline/pkg/watcher"
)

// NewSessionRouter routes the operator API of a session process.
func NewSessionRouter(config *config.Config, service *operator.Service, logger *logrus.Logger) *mux.Router {
	handler := handlers.NewSessionHandler(service, logger, config.OperatorID)

	router := mux.NewRouter()

	// Session routes
	router.HandleFunc("/session/ready", handler.Ready).Methods("POST")
	router.HandleFunc("/session/lifecycle", handler.Lifecycle).Methods("POST")
	router.HandleFunc("/session/modal", handler.Modal).Methods("GET")

	// Response routes
	router.HandleFunc("/orders/{id}/accept", handler.Accept).Methods("POST")
	router.HandleFunc("/orders/{id}/reject", handler.Reject).Methods("POST")

	// Push delivery
	router.HandleFunc("/push/messages", handler.PushMessage).Methods("POST")
	router.HandleFunc("/push/taps", handler.PushTap).Methods("POST")

	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.Use(loggingMiddleware(logger))
	return router
}

// NewWatcherRouter routes the status endpoints of the watcher process.
func NewWatcherRouter(service *watcher.Service, logger *logrus.Logger) *mux.Router {
	handler := handlers.NewWatcherHandler(service, logger)

	router := mux.NewRouter()
	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.HandleFunc("/status", handler.Status).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.Use(loggingMiddleware(logger))
	return router
}

func NewHTTPServer(config *config.Config, router http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + config.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}
