package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/readiness-cli/internal/engine"
	"github.com/sells-group/readiness-cli/internal/ledger"
	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/resilience"
	"github.com/sells-group/readiness-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		api := &apiServer{
			validator: env.Runner,
			opts:      runOptions(cfg),
			ledgers:   env.Snapshots,
			signals:   env.Store,
			states:    env.States,
			breakers:  env.Breakers,
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(api, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

type candidateValidator interface {
	ValidateCandidates(ctx context.Context, entity model.Entity, candidates []model.Signal, opts engine.Options) (model.EntityResult, error)
}

type ledgerStore interface {
	Load(entityID string) (*ledger.Ledger, error)
	Save(l *ledger.Ledger) error
}

type breakerStates interface {
	States() (map[string]resilience.CircuitState, []string)
}

// apiServer serves the entity endpoints.
type apiServer struct {
	validator candidateValidator
	opts      engine.Options
	ledgers   ledgerStore
	signals   store.SignalStore
	states    engine.StateEvaluator
	breakers  breakerStates // optional
}

func buildRouter(api *apiServer, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", api.health)

	r.Route("/v1/entities/{id}", func(r chi.Router) {
		r.Post("/validate", api.validate)
		r.Get("/ledger", api.getLedger)
		r.Post("/archive", api.archive)
		r.Get("/state", api.getState)
	})
	return r
}

type healthResponse struct {
	Status   string            `json:"status"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// health reports ok plus the state of every circuit breaker that has seen
// traffic. An open breaker degrades the status without failing the check.
func (a *apiServer) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if a.breakers != nil {
		states, names := a.breakers.States()
		if len(names) > 0 {
			resp.Breakers = make(map[string]string, len(names))
		}
		for _, name := range names {
			resp.Breakers[name] = states[name].String()
			if states[name] == resilience.CircuitOpen {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type validateRequest struct {
	Name       string         `json:"name"`
	Domain     string         `json:"domain"`
	Category   string         `json:"category"`
	Candidates []model.Signal `json:"candidates"`
}

func (a *apiServer) validate(w http.ResponseWriter, r *http.Request) {
	entity := model.Entity{ID: chi.URLParam(r, "id")}

	var req validateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	entity.Name, entity.Domain, entity.Category = req.Name, req.Domain, req.Category
	entity.Normalize()
	if entity.ID == "" {
		writeError(w, http.StatusBadRequest, "entity id is required")
		return
	}
	if len(req.Candidates) == 0 {
		writeError(w, http.StatusBadRequest, "candidates are required")
		return
	}
	for i := range req.Candidates {
		c := &req.Candidates[i]
		if c.EntityID == "" {
			c.EntityID = entity.ID
		}
		if c.EntityID != entity.ID {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("candidate %s belongs to %q", c.ID, c.EntityID))
			return
		}
		if err := c.Check(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	res, err := a.validator.ValidateCandidates(r.Context(), entity, req.Candidates, a.opts)
	if err != nil {
		zap.L().Warn("api: validate failed", zap.String("entity_id", entity.ID), zap.Error(err))
		if res.Status == model.RunFailed {
			writeJSON(w, http.StatusBadGateway, res)
			return
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *apiServer) getLedger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	l, err := a.ledgers.Load(id)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "no ledger for "+id)
		return
	case err != nil:
		zap.L().Error("api: load ledger failed", zap.String("entity_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load ledger")
		return
	}
	writeJSON(w, http.StatusOK, l.Snapshot())
}

func (a *apiServer) archive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	l, err := archiveLedger(a.ledgers, id)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "no ledger for "+id)
		return
	case err != nil:
		zap.L().Error("api: archive ledger failed", zap.String("entity_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to archive ledger")
		return
	}
	writeJSON(w, http.StatusOK, l.Snapshot())
}

func (a *apiServer) getState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	refresh := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "refresh must be a boolean")
			return
		}
		refresh = b
	}

	res, err := evaluateState(r.Context(), a.signals, a.states, id, r.URL.Query().Get("category"), refresh)
	if err != nil {
		zap.L().Error("api: evaluate state failed", zap.String("entity_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to evaluate state")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// requestLogger logs each request once it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
