package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/loom-cli/internal/loom"
	"github.com/sells-group/loom-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only session API",
	Long:  "Exposes stored sessions over HTTP: listings, snapshots, decision records, and analytics. Read-only; sessions are driven through the run command.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(st),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newRouter(st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", handleListSessions(st))
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", handleGetSession(st))
			r.Get("/decisions", handleListDecisions(st))
			r.Get("/divergences", handleDivergences(st))
			r.Get("/clarifications", handleClarifications(st))
		})
	})

	return r
}

func handleListSessions(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.SessionFilter{Selector: q.Get("selector")}
		if v := q.Get("stopped"); v != "" {
			stopped, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "stopped must be a boolean")
				return
			}
			filter.Stopped = &stopped
		}
		if v := q.Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			filter.Limit = limit
		}

		sessions, err := st.ListSessions(r.Context(), filter)
		if err != nil {
			zap.L().Error("list sessions", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list sessions failed")
			return
		}
		if sessions == nil {
			sessions = []store.SessionMeta{}
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

func handleGetSession(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, ok := loadSession(w, r, st)
		if !ok {
			return
		}
		data, err := l.Snapshot()
		if err != nil {
			zap.L().Error("snapshot session", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "snapshot session failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func handleListDecisions(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := st.ListDecisions(r.Context(), chi.URLParam(r, "sessionID"))
		if err != nil {
			zap.L().Error("list decisions", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list decisions failed")
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func handleDivergences(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threshold := -1.0
		if v := r.URL.Query().Get("threshold"); v != "" {
			t, err := strconv.ParseFloat(v, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "threshold must be a number")
				return
			}
			threshold = t
		}

		l, ok := loadSession(w, r, st)
		if !ok {
			return
		}
		events := l.FindDivergences(threshold)
		if events == nil {
			events = []loom.DecisionEvent{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func handleClarifications(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, ok := loadSession(w, r, st)
		if !ok {
			return
		}
		events := l.FindClarifications()
		if events == nil {
			events = []loom.DecisionEvent{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func loadSession(w http.ResponseWriter, r *http.Request, st store.Store) (*loom.Loom, bool) {
	l, err := st.GetSnapshot(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		if loom.IsUnresolvedReference(err) {
			writeError(w, http.StatusNotFound, "session not found")
			return nil, false
		}
		zap.L().Error("get snapshot", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load session failed")
		return nil, false
	}
	return l, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
