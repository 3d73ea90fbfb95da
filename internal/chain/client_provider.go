package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tax_reporter/internal/config"
	"tax_reporter/internal/entity"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const defaultConnectionTimeout = 10 * time.Second

// ClientProvider hands out one cached ethclient per configured chain,
// dialing the primary endpoint first and falling back across the
// configured alternates.
type ClientProvider struct {
	mu       sync.Mutex
	clients  map[int64]*ethclient.Client
	networks map[int64]config.NetworkNode
	logger   *zap.Logger
}

// NewClientProvider creates a provider over the configured networks.
func NewClientProvider(networks []config.NetworkNode, logger *zap.Logger) *ClientProvider {
	ncMap := make(map[int64]config.NetworkNode, len(networks))
	for _, n := range networks {
		ncMap[n.ChainID] = n
	}
	return &ClientProvider{
		clients:  make(map[int64]*ethclient.Client),
		networks: ncMap,
		logger:   logger.Named("ClientProvider"),
	}
}

// GetClient returns a connected client for the chain, creating and caching
// it on first use.
func (p *ClientProvider) GetClient(chainID int64) (*ethclient.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, exists := p.clients[chainID]; exists {
		return client, nil
	}

	netCfg, ok := p.networks[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", entity.ErrUnknownChain, chainID)
	}

	endpoints := append([]string{netCfg.Endpoint}, netCfg.FallbackEndpoints...)
	var lastErr error
	for _, endpoint := range endpoints {
		ctx, cancel := context.WithTimeout(context.Background(), defaultConnectionTimeout)
		client, err := ethclient.DialContext(ctx, endpoint)
		cancel()
		if err == nil {
			p.logger.Info("Connected chain RPC client",
				zap.String("network", netCfg.Name),
				zap.String("endpoint", endpoint))
			p.clients[chainID] = client
			return client, nil
		}
		lastErr = fmt.Errorf("failed to connect to RPC %s: %w", endpoint, err)
	}
	return nil, fmt.Errorf("all RPC connection attempts failed for network %s: %w", netCfg.Name, lastErr)
}

// Network returns the configuration of one chain.
func (p *ClientProvider) Network(chainID int64) (config.NetworkNode, bool) {
	n, ok := p.networks[chainID]
	return n, ok
}

// Close disconnects every cached client.
func (p *ClientProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for chainID, client := range p.clients {
		client.Close()
		delete(p.clients, chainID)
	}
}
