package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/grantledger/milestones/pkg/authz"
	"github.com/grantledger/milestones/pkg/cache"
	"github.com/grantledger/milestones/pkg/grants"
	"github.com/grantledger/milestones/pkg/near"
	"github.com/grantledger/milestones/pkg/scheduling"
	"github.com/grantledger/milestones/pkg/signature"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the grant milestone API server",
		Run: func(cmd *cobra.Command, args []string) {
			serve(v)
		},
	}

	f := cmd.Flags()
	f.String("listen", ":8080", "Address to listen on")
	f.String("grants-config", "", "Path to the grants feature/engine YAML file")
	f.Bool("migrate", true, "Run database migrations on start")
	f.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")

	f.String("auth-mode", string(authz.ModeHeader), "Authentication mode (header or jwt)")
	f.String("admin-role", authz.DefaultAdminRole, "Role value that grants milestone validation")
	f.Bool("header-trust-role", false, "In header mode, grant admin from the X-Grant-Role header")
	f.String("jwt-secret", "", "HS256 secret for bearer tokens")
	f.String("jwt-public-key", "", "Path to a PEM RSA public key for RS256 bearer tokens")
	f.String("jwt-account-claim", "sub", "Claim holding the NEAR account id")
	f.String("jwt-role-claim", "role", "Claim holding the caller's roles")
	f.String("jwt-issuer", "", "Expected token issuer")
	f.String("jwt-audience", "", "Expected token audience")

	f.String("near-rpc", "https://rpc.mainnet.near.org", "NEAR JSON-RPC endpoint")
	f.Duration("near-timeout", 10*time.Second, "NEAR RPC request timeout")
	f.String("dao-contract", "", "Sputnik DAO contract receiving funding proposals")
	f.String("proposal-sender", "", "Account that submits funding proposals")
	f.String("token-id", "", "Fungible token contract paid out (empty for native NEAR)")
	f.Int32("token-decimals", 18, "Decimals of the payout token")

	f.String("calendly-token", "", "Calendly API token")
	f.String("calendly-base-url", "", "Calendly API base URL override")

	return cmd
}

func serve(v *viper.Viper) {
	logger := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	grantsCfg, err := grants.LoadConfig(v.GetString("grants-config"))
	if err != nil {
		glog.Fatalf("Failed to load grants config: %v", err)
	}

	db, err := openDatabase(v)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}
	if v.GetBool("migrate") {
		if err := migrate(ctx, db, logger); err != nil {
			glog.Fatalf("Failed to migrate database: %v", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := newEngine(v, db, grantsCfg, registry, logger)
	go grants.NewRetentionWorker(grants.NewAuditStore(db), grantsCfg.Audit.RetentionDays,
		logger.With("component", "retention")).Run(ctx)

	authMiddleware, err := newAuthMiddleware(v, logger)
	if err != nil {
		glog.Fatalf("Failed to set up authentication: %v", err)
	}

	router := newRouter(engine, authMiddleware, registry)

	logger.Info("grantd ready",
		"listen", v.GetString("listen"),
		"dialect", db.Dialector.Name(),
		"authMode", v.GetString("auth-mode"),
		"allowMilestonesOnTheGo", grantsCfg.Features.AllowMilestonesOnTheGo,
		"skipMilestoneInterviewAndApproval", grantsCfg.Features.SkipMilestoneInterviewAndApproval,
	)

	httpServer := &http.Server{
		Addr:              v.GetString("listen"),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-timeout"))
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info("grantd stopped")
}

// newEngine wires the engine to the NEAR chain, Calendly and the database.
func newEngine(v *viper.Viper, db *gorm.DB, cfg *grants.Config, registry prometheus.Registerer, logger *slog.Logger) *grants.Engine {
	client := near.NewClient(v.GetString("near-rpc"), v.GetDuration("near-timeout"))
	keys := signature.NewCachingKeyResolver(client, cache.ConfigFromEnv())
	txs := near.NewTransactionVerifier(client, near.ProposalConfig{
		DAOContractID:   v.GetString("dao-contract"),
		SenderAccountID: v.GetString("proposal-sender"),
		TokenID:         v.GetString("token-id"),
		TokenDecimals:   v.GetInt32("token-decimals"),
	}, logger.With("component", "near"))

	var calendlyOpts []scheduling.CalendlyOption
	if u := v.GetString("calendly-base-url"); u != "" {
		calendlyOpts = append(calendlyOpts, scheduling.WithBaseURL(u))
	}
	calendly := scheduling.NewCalendlyClient(v.GetString("calendly-token"), calendlyOpts...)

	metrics := &grants.Metrics{}
	metrics.Register(registry)

	return grants.NewEngine(
		grants.NewGrantStore(db),
		signature.NewVerifier(keys, logger.With("component", "signature")),
		txs,
		calendly,
		*cfg,
		grants.WithEventLog(grants.NewAuditStore(db)),
		grants.WithMetrics(metrics),
		grants.WithLogger(logger.With("component", "grants")),
	)
}

// newAuthMiddleware builds the identity middleware for the configured mode.
func newAuthMiddleware(v *viper.Viper, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	switch mode := authz.Mode(v.GetString("auth-mode")); mode {
	case authz.ModeHeader, "":
		if !v.GetBool("header-trust-role") {
			logger.Warn("using header-based auth (X-Near-Account-Id); milestone validation is disabled")
			return authz.AccountHeaderMiddleware(), nil
		}
		logger.Warn("using header-based auth with X-Grant-Role; do not expose without a trusted proxy")
		return authz.HeaderMiddleware(v.GetString("admin-role")), nil
	case authz.ModeJWT:
		auth, err := authz.NewJWTAuthenticator(authz.JWTConfig{
			Secret:         v.GetString("jwt-secret"),
			PublicKeyPath:  v.GetString("jwt-public-key"),
			AccountClaim:   v.GetString("jwt-account-claim"),
			RoleClaim:      v.GetString("jwt-role-claim"),
			AdminRoleValue: v.GetString("admin-role"),
			Issuer:         v.GetString("jwt-issuer"),
			Audience:       v.GetString("jwt-audience"),
			Logger:         logger.With("component", "authz"),
		})
		if err != nil {
			return nil, err
		}
		logger.Info("using JWT auth",
			"accountClaim", v.GetString("jwt-account-claim"),
			"roleClaim", v.GetString("jwt-role-claim"),
			"hasPublicKey", v.GetString("jwt-public-key") != "")
		return auth.Middleware(), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q (expected header or jwt)", mode)
	}
}

func newRouter(engine *grants.Engine, auth func(http.Handler) http.Handler, registry *prometheus.Registry) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Near-Account-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Mount("/api/v1", grants.NewRouter(engine))
	})
	return r
}
