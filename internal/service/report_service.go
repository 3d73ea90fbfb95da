package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tax_reporter/internal/classify"
	"tax_reporter/internal/config"
	"tax_reporter/internal/entity"
	"tax_reporter/internal/ingest"
	"tax_reporter/internal/ledger"
	"tax_reporter/internal/pkg/metrics"
	"tax_reporter/internal/port"
	"tax_reporter/internal/pricing"
	"tax_reporter/internal/report"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReportService runs the full pipeline for one request: fetch transfers,
// normalize, resolve prices, walk the ledger, classify, assemble. The
// service itself is stateless; every run gets a private lot tracker and a
// private price resolver so concurrent requests never share mutable state.
type ReportService struct {
	cfg       *config.Config
	transfers port.TransferSource
	providers []port.PriceProvider
	assembler *report.Assembler
	logger    *zap.Logger
}

// NewReportService wires the pipeline. The providers slice is the fixed
// price fallback order.
func NewReportService(
	cfg *config.Config,
	transfers port.TransferSource,
	providers []port.PriceProvider,
	logger *zap.Logger,
) *ReportService {
	return &ReportService{
		cfg:       cfg,
		transfers: transfers,
		providers: providers,
		assembler: report.NewAssembler(logger),
		logger:    logger.Named("ReportService"),
	}
}

// BuildReport generates the tax report for one wallet and tax year.
// chainIDs restricts the scan; empty means every configured network.
// A taxYear of zero disables year filtering and reports the full history.
func (s *ReportService) BuildReport(ctx context.Context, walletAddress string, taxYear int, chainIDs []int64) (*entity.TaxReport, error) {
	start := time.Now()
	defer func() {
		metrics.ReportBuildDuration.Observe(time.Since(start).Seconds())
	}()

	if !common.IsHexAddress(walletAddress) {
		return nil, fmt.Errorf("%w: %q", entity.ErrInvalidWalletAddress, walletAddress)
	}
	if len(s.providers) == 0 {
		return nil, entity.ErrNoProvidersConfigured
	}
	networks, err := s.selectNetworks(chainIDs)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Building tax report",
		zap.String("wallet", walletAddress),
		zap.Int("taxYear", taxYear),
		zap.Int("networkCount", len(networks)))

	rawEvents, err := s.fetchTransfers(ctx, walletAddress, networks)
	if err != nil {
		return nil, err
	}

	incomeRule := ingest.NewAllowListIncomeRule(networks)
	ingestor := ingest.NewIngestor(walletAddress, incomeRule, s.logger)
	txs := ingestor.Normalize(rawEvents)

	resolver := pricing.NewResolver(s.providers, s.cfg.PriceResolver, s.logger)
	quotes := resolver.Resolve(ctx, priceRequestsFor(txs))

	tracker := ledger.NewTracker(s.logger)
	classifier := classify.NewClassifier(s.cfg.Engine.HoldingPeriodDays, s.logger)

	var events []entity.ClassifiedEvent
	for _, tx := range txs {
		var result ledger.Result
		if !tx.Malformed {
			if tx.Direction == entity.DirectionOut {
				s.backfillPendingLots(ctx, resolver, tracker, tx.TokenID, quotes)
			}
			result = tracker.Process(tx, quotes[entity.PriceKey(tx.TokenID, tx.Timestamp)])
		}
		quote := quotes[entity.PriceKey(tx.TokenID, tx.Timestamp)]
		events = append(events, classifier.Classify(tx, quote, result)...)
	}
	if taxYear != 0 {
		events = filterByTaxYear(events, taxYear)
	}

	taxReport := s.assembler.Assemble(walletAddress, taxYear, events, report.Metadata{
		PriceSourcesUsed:      resolver.SourcesUsed(),
		ProviderFailoverCount: resolver.FailoverCount(),
		OpenLotCount:          tracker.OpenLotCount(),
	})
	return &taxReport, nil
}

// backfillPendingLots runs before a disposal draws on a token whose open
// lots still lack a cost basis. The acquisition days of those lots get one
// more pass through the provider chain; a provider that failed transiently
// during the initial resolution can still price them. Lots that stay
// unpriced are consumed with an unknown basis and classified accordingly.
func (s *ReportService) backfillPendingLots(
	ctx context.Context,
	resolver *pricing.Resolver,
	tracker *ledger.Tracker,
	tokenID string,
	quotes map[string]entity.PriceQuote,
) {
	pending := tracker.PendingLots(tokenID)
	if len(pending) == 0 {
		return
	}

	requests := make([]entity.PriceRequest, 0, len(pending))
	for _, lot := range pending {
		requests = append(requests, entity.PriceRequest{TokenID: tokenID, Timestamp: lot.AcquiredAt})
	}
	retried := resolver.RetryMissing(ctx, requests)

	for _, lot := range pending {
		key := entity.PriceKey(tokenID, lot.AcquiredAt)
		quote, ok := retried[key]
		if !ok || quote.Missing() {
			continue
		}
		quotes[key] = quote
		if tracker.BackfillCostBasis(tokenID, lot.LotID, quote.USDPerUnit) {
			s.logger.Debug("Backfilled pending cost basis",
				zap.String("lotId", lot.LotID),
				zap.String("tokenId", tokenID),
				zap.String("usdPerUnit", quote.USDPerUnit.String()))
		}
	}
}

func (s *ReportService) selectNetworks(chainIDs []int64) ([]config.NetworkNode, error) {
	if len(chainIDs) == 0 {
		return s.cfg.Networks, nil
	}
	networks := make([]config.NetworkNode, 0, len(chainIDs))
	for _, chainID := range chainIDs {
		netCfg, ok := s.cfg.NetworkByChainID(chainID)
		if !ok {
			return nil, fmt.Errorf("%w: %d", entity.ErrUnknownChain, chainID)
		}
		networks = append(networks, netCfg)
	}
	return networks, nil
}

// fetchTransfers scans every selected network concurrently. A failing
// network is logged and skipped so one dead RPC endpoint does not kill
// the whole report; only a total failure across all networks is an error.
func (s *ReportService) fetchTransfers(ctx context.Context, walletAddress string, networks []config.NetworkNode) ([]entity.RawTransferEvent, error) {
	var (
		mu        sync.Mutex
		rawEvents []entity.RawTransferEvent
		failed    int
	)

	eg, childCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.Engine.MaxConcurrentChainFetches)

	for _, network := range networks {
		net := network
		eg.Go(func() error {
			events, err := s.transfers.GetTransfers(childCtx, net.ChainID, walletAddress, 0, 0)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Error("Failed to fetch transfers for network",
					zap.String("network", net.Name),
					zap.Int64("chainID", net.ChainID),
					zap.Error(err))
				failed++
				return nil
			}
			rawEvents = append(rawEvents, events...)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if failed == len(networks) && len(networks) > 0 {
		return nil, fmt.Errorf("transfer fetch failed on all %d networks", len(networks))
	}
	return rawEvents, nil
}

// priceRequestsFor collects every (token, timestamp) pair the pipeline
// needs: acquisitions for cost basis, disposals for proceeds, income for
// fair value at receipt. Malformed placeholders need no price.
func priceRequestsFor(txs []entity.CanonicalTransaction) []entity.PriceRequest {
	requests := make([]entity.PriceRequest, 0, len(txs))
	for _, tx := range txs {
		if tx.Malformed {
			continue
		}
		requests = append(requests, entity.PriceRequest{
			TokenID:   tx.TokenID,
			Timestamp: tx.Timestamp,
		})
	}
	return requests
}

func filterByTaxYear(events []entity.ClassifiedEvent, taxYear int) []entity.ClassifiedEvent {
	filtered := make([]entity.ClassifiedEvent, 0, len(events))
	for _, ev := range events {
		if ev.Timestamp.UTC().Year() == taxYear {
			filtered = append(filtered, ev)
		}
	}
	return filtered
}
