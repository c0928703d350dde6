package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/taskauth/internal/auth"
	cfg "github.com/example/taskauth/internal/config"
	"github.com/example/taskauth/internal/dbmigrate"
	"github.com/example/taskauth/internal/password"
	"github.com/example/taskauth/internal/revocation"
	"github.com/example/taskauth/internal/session"
	"github.com/example/taskauth/internal/store"
	"github.com/example/taskauth/internal/token"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type App struct {
	Auth           *auth.Service
	log            *zap.Logger
	allowedOrigins []string
	readiness      []pinger
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write json", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	if err := zc.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	return zc.Build()
}

func openStore(ctx context.Context, c *cfg.Config, logger *zap.Logger) (store.DB, error) {
	switch c.DBAdapter {
	case "sqlite":
		return store.NewSQLiteDB(ctx, c.SQLiteFile)
	case "postgres":
		logger.Info("applying database migrations", zap.String("dir", c.MigrationsDir))
		if err := dbmigrate.Apply(c.MigrationsDir, c.PostgresDSN, logger); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return store.NewPostgresDB(ctx, c.PostgresDSN)
	case "memory":
		logger.Warn("using in-memory database (not recommended for production)")
		return store.NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}
}

func openRevocation(ctx context.Context, c *cfg.Config) (revocation.List, error) {
	switch c.Revocation {
	case cfg.RevocationRedis:
		return revocation.NewRedisFromURL(ctx, c.RevocationRedisURL)
	case cfg.RevocationMemory:
		return revocation.NewMemory(), nil
	default:
		return revocation.None{}, nil
	}
}

// newApp builds the auth service from its parts.
func newApp(c *cfg.Config, db store.DB, revoked revocation.List, logger *zap.Logger) (*App, error) {
	hasher, err := password.New(c.BcryptCost)
	if err != nil {
		return nil, err
	}
	tokens, err := token.New([]byte(c.JwtSecret), c.TokenTTL)
	if err != nil {
		return nil, err
	}
	sessions := session.New(c.TokenTTL, c.CookieSecure)

	app := &App{
		Auth:           auth.NewService(db, hasher, tokens, sessions, revoked, logger),
		log:            logger,
		allowedOrigins: c.AllowedOrigins,
		readiness:      []pinger{db},
	}
	if p, ok := revoked.(pinger); ok {
		app.readiness = append(app.readiness, p)
	}
	return app, nil
}

func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(a.global)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", a.HandleHealth).Methods("GET")
	r.HandleFunc("/ready", a.HandleReady).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Authentication endpoints, open to anonymous callers
	authRoutes := v1.PathPrefix("/auth").Subrouter()
	authRoutes.HandleFunc("/register", a.HandleRegister).Methods("POST", "OPTIONS")
	authRoutes.HandleFunc("/login", a.HandleLogin).Methods("POST", "OPTIONS")
	authRoutes.HandleFunc("/logout", a.HandleLogout).Methods("POST", "OPTIONS")
	authRoutes.HandleFunc("/me", a.HandleMe).Methods("GET", "OPTIONS")
	authRoutes.HandleFunc("/verify", a.HandleVerify).Methods("GET", "OPTIONS")

	// Everything else under /api/v1 needs a session
	protected := v1.NewRoute().Subrouter()
	protected.Use(a.RequireAuth)
	protected.HandleFunc("/account", a.HandleAccount).Methods("GET", "OPTIONS")

	// mux skips r.Use middleware when no route matched
	r.NotFoundHandler = a.global(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
	}))
	r.MethodNotAllowedHandler = a.global(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	}))
	return r
}

// global is the middleware chain every response passes through, outermost first.
func (a *App) global(next http.Handler) http.Handler {
	return SecurityHeaders(RequestID(a.Logging(a.Recover(a.CORS(next)))))
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := newLogger(c.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := openStore(ctx, c, logger)
	if err != nil {
		logger.Fatal("store init", zap.String("adapter", c.DBAdapter), zap.Error(err))
	}
	revoked, err := openRevocation(ctx, c)
	cancel()
	if err != nil {
		logger.Fatal("revocation init", zap.String("mode", c.Revocation), zap.Error(err))
	}
	logger.Info("storage ready", zap.String("adapter", c.DBAdapter), zap.String("revocation", c.Revocation))

	app, err := newApp(c, db, revoked, logger)
	if err != nil {
		logger.Fatal("app init", zap.Error(err))
	}

	srv := &http.Server{Handler: app.Router(), Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		logger.Info("starting server", zap.String("port", c.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
	if closer, ok := revoked.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if err := db.Close(); err != nil {
		logger.Warn("closing store", zap.Error(err))
	}
	logger.Info("server exited properly")
}
