package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Admin exposes a read-only HTTP view of the provider table.
type Admin struct {
	registry  *Registry
	router    *mux.Router
	logger    *zap.Logger
	startTime time.Time
}

func NewAdmin(reg *Registry, logger *zap.Logger) *Admin {
	if logger == nil {
		logger = zap.L()
	}
	a := &Admin{
		registry:  reg,
		router:    mux.NewRouter(),
		logger:    logger,
		startTime: time.Now(),
	}
	a.setupRoutes()
	return a
}

func (a *Admin) setupRoutes() {
	a.router.HandleFunc("/ping", a.handlePing).Methods(http.MethodGet)
	a.router.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	a.router.HandleFunc("/providers", a.handleProviders).Methods(http.MethodGet)
	a.router.HandleFunc("/files/{name}", a.handleFile).Methods(http.MethodGet)
}

func (a *Admin) Handler() http.Handler {
	return a.router
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (a *Admin) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("Registry admin API listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Admin) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (a *Admin) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := a.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"providers":   stats.Providers,
		"files":       stats.Files,
		"discoveries": stats.Discoveries,
		"uptime":      time.Since(a.startTime).String(),
	})
}

func (a *Admin) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.registry.Snapshot())
}

func (a *Admin) handleFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	providers, total, err := a.registry.Lookup(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	addrs := make([]string, 0, len(providers))
	for _, p := range providers {
		addrs = append(addrs, p.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":         name,
		"total_chunks": total,
		"providers":    addrs,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
