package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tax_reporter/internal/chain"
	"tax_reporter/internal/config"
	"tax_reporter/internal/pkg/metrics"
	"tax_reporter/internal/pkg/utils"
	"tax_reporter/internal/port"
	"tax_reporter/internal/pricing"
	"tax_reporter/internal/restapi"
	"tax_reporter/internal/service"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Bootstrap logger for the config-loading phase; the structured zap
	// logger takes over once the log level is known.
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)
	log.SetLevel(logrus.InfoLevel)

	cfgPath := utils.GetEnv("CONFIG_PATH", "config/config.yaml")
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize zap logger: %v", err)
	}
	defer zapLogger.Sync()
	zapLogger.Info("Configuration loaded", zap.String("path", cfgPath))

	metrics.MustRegisterMetrics()

	clientProvider := chain.NewClientProvider(cfg.Networks, zapLogger)
	defer clientProvider.Close()

	transferSource := chain.NewEVMTransferSource(
		clientProvider,
		time.Duration(cfg.Engine.RPCCallTimeoutMs)*time.Millisecond,
		zapLogger,
	)

	providers, err := buildPriceProviders(cfg, clientProvider, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to build price providers", zap.Error(err))
	}
	zapLogger.Info("Price providers initialized", zap.Int("count", len(providers)))

	reportService := service.NewReportService(cfg, transferSource, providers, zapLogger)
	reportHandler := restapi.NewReportHandler(reportService, zapLogger)
	router := restapi.SetupRouter(reportHandler, zapLogger)

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		zapLogger.Info(fmt.Sprintf("Server starting on %s", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		zapLogger.Fatal("Server forced to shutdown", zap.Error(err))
	}
	zapLogger.Info("Server exiting")
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.File != "" {
		zapCfg.OutputPaths = []string{cfg.File, "stdout"}
	}
	return zapCfg.Build()
}

// buildPriceProviders instantiates the configured fallback chain in
// priority order.
func buildPriceProviders(cfg *config.Config, clients *chain.ClientProvider, logger *zap.Logger) ([]port.PriceProvider, error) {
	providers := make([]port.PriceProvider, 0, len(cfg.PriceResolver.ProviderOrder))
	for _, name := range cfg.PriceResolver.ProviderOrder {
		switch name {
		case "dexscreener":
			providers = append(providers, pricing.NewDexScreenerProvider(cfg.DEXScreener, cfg.Networks, logger))
		case "coingecko":
			providers = append(providers, pricing.NewCoinGeckoProvider(cfg.CoinGecko, cfg.Networks, logger))
		case "onchain":
			if !cfg.OnchainPrice.Enabled {
				logger.Info("On-chain price provider disabled by config")
				continue
			}
			providers = append(providers, pricing.NewOnchainProvider(cfg.OnchainPrice, cfg.Networks, clients, logger))
		default:
			return nil, fmt.Errorf("unknown price provider %q in providerOrder", name)
		}
	}
	return providers, nil
}
