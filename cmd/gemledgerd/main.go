package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/gemledger/internal/gemapi"
	"github.com/MarkoPoloResearchLab/gemledger/internal/observability"
	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
)

const (
	flagListenAddr        = "listen-addr"
	flagStore             = "store"
	flagDatabaseURL       = "database-url"
	flagRedisURL          = "redis-url"
	flagRedisKeyPrefix    = "redis-key-prefix"
	flagCosmosEndpoint    = "cosmos-endpoint"
	flagCosmosKey         = "cosmos-key"
	flagCosmosDatabase    = "cosmos-database"
	flagCosmosContainer   = "cosmos-container"
	flagCosmosProvision   = "cosmos-auto-provision"
	flagAllowedOrigins    = "allowed-origins"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagJWTCookieName     = "jwt-cookie-name"
	flagRequestTimeout    = "request-timeout"
	flagConflictRetries   = "conflict-retries"
	flagRetryBaseDelay    = "retry-base-delay"
	flagOnboardingGems    = "onboarding-gems"
	flagMetricsNamespace  = "metrics-namespace"
	envPrefix             = "GEMLEDGER"
	defaultStoreBackend   = storeMemory
	defaultDatabaseURL    = "sqlite:///tmp/gemledger.db"
	defaultCosmosDatabase = "gems"
	defaultCosmosContain  = "ledger"
)

type runtimeConfig struct {
	API              gemapi.Config
	Store            storeConfig
	MetricsNamespace string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gemledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "gemledgerd",
		Short:         "Gem ledger HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, ":9090", "HTTP listen address")
	cmd.Flags().String(flagStore, defaultStoreBackend, "document store backend: memory, sql, postgres, cosmos or redis")
	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database url for the sql (sqlite or postgres) and postgres backends")
	cmd.Flags().String(flagRedisURL, "redis://localhost:6379/0", "redis url for the redis backend")
	cmd.Flags().String(flagRedisKeyPrefix, "", "key prefix for the redis backend")
	cmd.Flags().String(flagCosmosEndpoint, "", "Cosmos DB account endpoint")
	cmd.Flags().String(flagCosmosKey, "", "Cosmos DB account key (empty selects Azure default credentials)")
	cmd.Flags().String(flagCosmosDatabase, defaultCosmosDatabase, "Cosmos DB database")
	cmd.Flags().String(flagCosmosContainer, defaultCosmosContain, "Cosmos DB container")
	cmd.Flags().Bool(flagCosmosProvision, false, "create the Cosmos DB database and container when missing")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name")
	cmd.Flags().Duration(flagRequestTimeout, 0, "per-request ledger timeout")
	cmd.Flags().Int(flagConflictRetries, 0, "attempts per request when the ledger reports a concurrency conflict")
	cmd.Flags().Duration(flagRetryBaseDelay, 0, "base delay of the conflict retry backoff")
	cmd.Flags().Int64(flagOnboardingGems, 0, "gems granted once by POST /bootstrap")
	cmd.Flags().String(flagMetricsNamespace, "gemledger", "Prometheus metric namespace")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagListenAddr, flagStore, flagDatabaseURL, flagRedisURL, flagRedisKeyPrefix,
		flagCosmosEndpoint, flagCosmosKey, flagCosmosDatabase, flagCosmosContainer, flagCosmosProvision,
		flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
		flagRequestTimeout, flagConflictRetries, flagRetryBaseDelay, flagOnboardingGems, flagMetricsNamespace,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.API = gemapi.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins:    gemapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagJWTCookieName)),
		RequestTimeout:    v.GetDuration(flagRequestTimeout),
		ConflictRetries:   v.GetInt(flagConflictRetries),
		RetryBaseDelay:    v.GetDuration(flagRetryBaseDelay),
		OnboardingGems:    v.GetInt64(flagOnboardingGems),
	}
	cfg.Store = storeConfig{
		Backend:         strings.ToLower(strings.TrimSpace(v.GetString(flagStore))),
		DatabaseURL:     strings.TrimSpace(v.GetString(flagDatabaseURL)),
		RedisURL:        strings.TrimSpace(v.GetString(flagRedisURL)),
		RedisKeyPrefix:  strings.TrimSpace(v.GetString(flagRedisKeyPrefix)),
		CosmosEndpoint:  strings.TrimSpace(v.GetString(flagCosmosEndpoint)),
		CosmosKey:       v.GetString(flagCosmosKey),
		CosmosDatabase:  strings.TrimSpace(v.GetString(flagCosmosDatabase)),
		CosmosContainer: strings.TrimSpace(v.GetString(flagCosmosContainer)),
		CosmosProvision: v.GetBool(flagCosmosProvision),
	}
	cfg.MetricsNamespace = strings.TrimSpace(v.GetString(flagMetricsNamespace))

	if err := cfg.Store.Validate(); err != nil {
		return err
	}
	return cfg.API.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() {
		if cleanupErr := cleanup(); cleanupErr != nil {
			logger.Warn("store close error", zap.Error(cleanupErr))
		}
	}()
	logger.Info("document store ready", zap.String("backend", cfg.Store.Backend))

	recorder := observability.NewOperationRecorder(logger.Named("ledger"), cfg.MetricsNamespace)
	clock := func() time.Time { return time.Now().UTC() }
	gemService, err := ledger.NewService(store, clock, ledger.WithOperationLogger(recorder))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	server, err := gemapi.NewServer(cfg.API, gemService, logger, recorder.Handler())
	if err != nil {
		return fmt.Errorf("gem api init: %w", err)
	}
	return server.Run(ctx)
}
