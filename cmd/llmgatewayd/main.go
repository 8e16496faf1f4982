// Command llmgatewayd runs the policy-enforcing LLM inference proxy: the
// admission pipeline (C1-C8) on the inference HTTP routes, and the
// accounting worker (C10) draining the usage event stream in the
// background. See spec §6 for the external interface and environment
// variables this binary reads.
package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/llmgatewayd/llmgatewayd/internal/accounting"
	"github.com/llmgatewayd/llmgatewayd/internal/admission"
	"github.com/llmgatewayd/llmgatewayd/internal/auth"
	"github.com/llmgatewayd/llmgatewayd/internal/budget"
	"github.com/llmgatewayd/llmgatewayd/internal/cachekv"
	"github.com/llmgatewayd/llmgatewayd/internal/db"
	"github.com/llmgatewayd/llmgatewayd/internal/domain"
	"github.com/llmgatewayd/llmgatewayd/internal/health"
	"github.com/llmgatewayd/llmgatewayd/internal/policy"
	"github.com/llmgatewayd/llmgatewayd/internal/pricing"
	"github.com/llmgatewayd/llmgatewayd/internal/provider"
	"github.com/llmgatewayd/llmgatewayd/internal/ratelimit"
	"github.com/llmgatewayd/llmgatewayd/internal/tracing"
	"github.com/llmgatewayd/llmgatewayd/internal/usageevents"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{ServiceName: "llmgatewayd"}, logger); err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	pricing.WatchForChanges()

	redisClient, err := newRedisClient()
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()
	cache := cachekv.New(redisClient, logger)

	dbClient, err := db.NewClient(dbConfigFromEnv(), logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	authenticator := auth.New(cache, dbClient, logger)
	limiter := ratelimit.New(redisClient, logger, ratelimit.DefaultWindow)
	resolver := budget.New(cache, dbClient, budgetConfigFromEnv(), logger)
	engine := policy.NewRuleEngine(logger)
	dispatcher := provider.New(provider.Config{
		OpenAIKey:    os.Getenv("OPENAI_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_KEY"),
		GoogleKey:    os.Getenv("GOOGLE_KEY"),
	}, logger)
	queue := usageevents.New(cache, dbClient, logger)
	pipeline := admission.New(authenticator, limiter, resolver, engine, dispatcher, queue, dbClient, logger)

	worker := accounting.New(queue, cache, dbClient, accounting.Config{
		Shards:          envInt("ACCOUNTING_SHARDS", 4),
		EnforcedPeriods: budgetConfigFromEnv().EnforcedPeriods,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	hm := health.NewManager(logger)
	_ = hm.RegisterChecker(health.NewRedisHealthChecker(redisClient, nil, logger))
	_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(dbClient.GetDB(), dbClient.Wrapper(), logger))
	_ = hm.RegisterChecker(health.NewProviderCredentialsHealthChecker(map[string]bool{
		"openai":    os.Getenv("OPENAI_KEY") != "",
		"anthropic": os.Getenv("ANTHROPIC_KEY") != "",
		"google":    os.Getenv("GOOGLE_KEY") != "",
	}, logger))
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	adminAddr := ":" + strconv.Itoa(envInt("HEALTH_PORT", 8081))
	adminServer := &http.Server{Addr: adminAddr, Handler: adminMux}
	go func() {
		logger.Info("admin server listening", zap.String("addr", adminAddr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", zap.Error(err))
		}
	}()

	apiAddr := ":" + strconv.Itoa(envInt("HTTP_PORT", 8080))
	apiServer := &http.Server{Addr: apiAddr, Handler: pipeline.Handler()}
	go func() {
		logger.Info("admission pipeline listening", zap.String("addr", apiAddr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admission server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = adminServer.Shutdown(shutdownCtx)
	cancel()
}

func newRedisClient() (*redis.Client, error) {
	raw := os.Getenv("REDIS_URL")
	if raw == "" {
		raw = "redis://localhost:6379/0"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func dbConfigFromEnv() *db.Config {
	return &db.Config{
		Host:     envString("DB_HOST", "localhost"),
		Port:     envInt("DB_PORT", 5432),
		User:     envString("DB_USER", "llmgatewayd"),
		Password: os.Getenv("DB_PASSWORD"),
		Database: envString("DB_NAME", "llmgatewayd"),
		SSLMode:  envString("DB_SSLMODE", "disable"),
	}
}

func budgetConfigFromEnv() budget.Config {
	return budget.Config{
		DefaultSessionBudgetUSD: envDecimal("DEFAULT_BUDGET_USD", decimal.Zero),
		DailyUSD:                envDecimal("BUDGET_DAILY_USD", decimal.Zero),
		MonthlyUSD:              envDecimal("BUDGET_MONTHLY_USD", decimal.Zero),
		EnforcedPeriods:         enforcedPeriodsFromEnv(),
	}
}

// enforcedPeriodsFromEnv reads the comma-separated BUDGET_PERIODS list
// (spec §6), defaulting to daily+monthly when unset.
func enforcedPeriodsFromEnv() []domain.Period {
	raw := os.Getenv("BUDGET_PERIODS")
	if raw == "" {
		return []domain.Period{domain.PeriodDaily, domain.PeriodMonthly}
	}
	var periods []domain.Period
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			periods = append(periods, domain.Period(p))
		}
	}
	if len(periods) == 0 {
		return []domain.Period{domain.PeriodDaily, domain.PeriodMonthly}
	}
	return periods
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}
