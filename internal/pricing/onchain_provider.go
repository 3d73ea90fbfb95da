package pricing

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"tax_reporter/internal/chain"
	"tax_reporter/internal/config"
	"tax_reporter/internal/entity"
	"tax_reporter/internal/pkg/utils"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Minimal UniswapV2 ABI: pair discovery and reserve reads, plus the ERC20
// decimals getter used to scale reserves.
const uniswapV2ABI = `[
	{"constant":true,"inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"}],"name":"getPair","outputs":[{"name":"pair","type":"address"}],"payable":false,"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"getReserves","outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}],"payable":false,"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"token0","outputs":[{"name":"","type":"address"}],"payable":false,"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"payable":false,"stateMutability":"view","type":"function"}
]`

var (
	parsedV2ABI  abi.ABI
	parsedV2Once sync.Once
)

func initParsedV2ABI() {
	parsedV2Once.Do(func() {
		var err error
		parsedV2ABI, err = abi.JSON(strings.NewReader(uniswapV2ABI))
		if err != nil {
			panic(fmt.Sprintf("failed to parse UniswapV2 ABI: %v", err))
		}
	})
}

// OnchainProvider derives a USD price from the token's UniswapV2 pool
// against the configured stable token. It is the last resort in the
// fallback chain: the pool reports a current spot price, so quotes carry
// interpolated confidence regardless of the requested timestamp.
type OnchainProvider struct {
	clients  *chain.ClientProvider
	timeout  time.Duration
	logger   *zap.Logger
	networks map[int64]config.NetworkNode
}

// NewOnchainProvider creates the provider over the shared chain clients.
func NewOnchainProvider(cfg config.OnchainPriceConfig, networks []config.NetworkNode, clients *chain.ClientProvider, logger *zap.Logger) *OnchainProvider {
	initParsedV2ABI()
	ncMap := make(map[int64]config.NetworkNode, len(networks))
	for _, n := range networks {
		ncMap[n.ChainID] = n
	}
	return &OnchainProvider{
		clients:  clients,
		timeout:  time.Duration(cfg.RPCTimeoutMs) * time.Millisecond,
		logger:   logger.Named("OnchainProvider"),
		networks: ncMap,
	}
}

// Name implements port.PriceProvider.
func (p *OnchainProvider) Name() string { return "onchain" }

// Confidence implements port.PriceProvider.
func (p *OnchainProvider) Confidence() entity.Confidence { return entity.ConfidenceInterpolated }

// Quote implements port.PriceProvider.
func (p *OnchainProvider) Quote(ctx context.Context, chainID int64, requests []entity.PriceRequest) (map[string]entity.PriceQuote, error) {
	netCfg, ok := p.networks[chainID]
	if !ok || netCfg.UniswapV2Factory == "" || netCfg.StableTokenAddress == "" {
		p.logger.Debug("No on-chain pricing configured for chain", zap.Int64("chainID", chainID))
		return map[string]entity.PriceQuote{}, nil
	}
	client, err := p.clients.GetClient(chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entity.ErrProviderUnavailable, err)
	}

	addressToReqs := make(map[string][]entity.PriceRequest)
	var addresses []string
	quotes := make(map[string]entity.PriceQuote)
	for _, req := range requests {
		addr := queryAddress(req.TokenID, netCfg)
		if addr == "" {
			continue
		}
		if utils.SameAddress(addr, netCfg.StableTokenAddress) {
			// The stable token itself prices at 1 USD, no pool lookup needed.
			quotes[entity.PriceKey(req.TokenID, req.Timestamp)] = entity.PriceQuote{
				TokenID:        req.TokenID,
				Timestamp:      entity.PriceBucket(req.Timestamp),
				USDPerUnit:     decimal.NewFromInt(1),
				SourceProvider: p.Name(),
				Confidence:     p.Confidence(),
			}
			continue
		}
		if _, seen := addressToReqs[addr]; !seen {
			addresses = append(addresses, addr)
		}
		addressToReqs[addr] = append(addressToReqs[addr], req)
	}
	if len(addresses) == 0 {
		return quotes, nil
	}

	rawClient := client.Client()
	pairs, err := p.resolvePairs(ctx, rawClient, netCfg, addresses)
	if err != nil {
		return nil, err
	}
	prices, err := p.readPoolPrices(ctx, rawClient, netCfg, pairs)
	if err != nil {
		return nil, err
	}

	for addr, price := range prices {
		for _, req := range addressToReqs[addr] {
			quotes[entity.PriceKey(req.TokenID, req.Timestamp)] = entity.PriceQuote{
				TokenID:        req.TokenID,
				Timestamp:      entity.PriceBucket(req.Timestamp),
				USDPerUnit:     price,
				SourceProvider: p.Name(),
				Confidence:     p.Confidence(),
			}
		}
	}
	return quotes, nil
}

// resolvePairs batches factory.getPair calls for every token against the
// stable token. Tokens without a pool are dropped.
func (p *OnchainProvider) resolvePairs(ctx context.Context, rawClient *rpc.Client, netCfg config.NetworkNode, addresses []string) (map[string]common.Address, error) {
	factory := common.HexToAddress(netCfg.UniswapV2Factory)
	stable := common.HexToAddress(netCfg.StableTokenAddress)

	batchElems := make([]rpc.BatchElem, len(addresses))
	for i, addr := range addresses {
		callData, err := parsedV2ABI.Pack("getPair", common.HexToAddress(addr), stable)
		if err != nil {
			return nil, fmt.Errorf("failed to pack getPair call: %w", err)
		}
		batchElems[i] = rpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{map[string]interface{}{
				"to":   factory,
				"data": hexutil.Bytes(callData),
			}, "latest"},
			Result: new(hexutil.Bytes),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := rawClient.BatchCallContext(callCtx, batchElems); err != nil {
		return nil, fmt.Errorf("%w: getPair batch failed: %v", entity.ErrProviderUnavailable, err)
	}

	pairs := make(map[string]common.Address)
	for i, elem := range batchElems {
		raw, err := rawCallBytes(elem)
		if err != nil {
			p.logger.Debug("getPair call failed", zap.String("token", addresses[i]), zap.Error(err))
			continue
		}
		unpacked, err := parsedV2ABI.Unpack("getPair", raw)
		if err != nil || len(unpacked) == 0 {
			continue
		}
		pairAddr, ok := unpacked[0].(common.Address)
		if !ok || pairAddr == (common.Address{}) {
			continue
		}
		pairs[addresses[i]] = pairAddr
	}
	return pairs, nil
}

// readPoolPrices batches getReserves + token0 + decimals per pool and
// derives the stable-denominated unit price.
func (p *OnchainProvider) readPoolPrices(ctx context.Context, rawClient *rpc.Client, netCfg config.NetworkNode, pairs map[string]common.Address) (map[string]decimal.Decimal, error) {
	if len(pairs) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	order := make([]string, 0, len(pairs))
	var batchElems []rpc.BatchElem
	appendCall := func(to common.Address, method string) {
		callData, _ := parsedV2ABI.Pack(method)
		batchElems = append(batchElems, rpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{map[string]interface{}{
				"to":   to,
				"data": hexutil.Bytes(callData),
			}, "latest"},
			Result: new(hexutil.Bytes),
		})
	}
	for token, pairAddr := range pairs {
		order = append(order, token)
		appendCall(pairAddr, "getReserves")
		appendCall(pairAddr, "token0")
		appendCall(common.HexToAddress(token), "decimals")
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := rawClient.BatchCallContext(callCtx, batchElems); err != nil {
		return nil, fmt.Errorf("%w: pool read batch failed: %v", entity.ErrProviderUnavailable, err)
	}

	prices := make(map[string]decimal.Decimal, len(order))
	for i, token := range order {
		price, err := p.derivePrice(netCfg, token, batchElems[i*3], batchElems[i*3+1], batchElems[i*3+2])
		if err != nil {
			p.logger.Debug("Failed to derive pool price", zap.String("token", token), zap.Error(err))
			continue
		}
		prices[token] = price
	}
	return prices, nil
}

func (p *OnchainProvider) derivePrice(netCfg config.NetworkNode, token string, reservesElem, token0Elem, decimalsElem rpc.BatchElem) (decimal.Decimal, error) {
	reservesRaw, err := rawCallBytes(reservesElem)
	if err != nil {
		return decimal.Zero, fmt.Errorf("getReserves: %w", err)
	}
	reserves, err := parsedV2ABI.Unpack("getReserves", reservesRaw)
	if err != nil || len(reserves) < 2 {
		return decimal.Zero, fmt.Errorf("failed to unpack getReserves: %v", err)
	}
	reserve0, ok0 := reserves[0].(*big.Int)
	reserve1, ok1 := reserves[1].(*big.Int)
	if !ok0 || !ok1 {
		return decimal.Zero, fmt.Errorf("unexpected reserve types %T/%T", reserves[0], reserves[1])
	}

	token0Raw, err := rawCallBytes(token0Elem)
	if err != nil {
		return decimal.Zero, fmt.Errorf("token0: %w", err)
	}
	token0Unpacked, err := parsedV2ABI.Unpack("token0", token0Raw)
	if err != nil || len(token0Unpacked) == 0 {
		return decimal.Zero, fmt.Errorf("failed to unpack token0: %v", err)
	}
	token0Addr, ok := token0Unpacked[0].(common.Address)
	if !ok {
		return decimal.Zero, fmt.Errorf("unexpected token0 type %T", token0Unpacked[0])
	}

	tokenDecimals := uint8(18)
	if raw, err := rawCallBytes(decimalsElem); err == nil {
		if unpacked, err := parsedV2ABI.Unpack("decimals", raw); err == nil && len(unpacked) > 0 {
			if d, ok := unpacked[0].(uint8); ok {
				tokenDecimals = d
			}
		}
	}

	tokenReserve, stableReserve := reserve0, reserve1
	if !utils.SameAddress(token0Addr.Hex(), token) {
		tokenReserve, stableReserve = reserve1, reserve0
	}
	if tokenReserve.Sign() == 0 || stableReserve.Sign() == 0 {
		return decimal.Zero, fmt.Errorf("empty pool")
	}

	tokenAmt := decimal.NewFromBigInt(tokenReserve, -int32(tokenDecimals))
	stableAmt := decimal.NewFromBigInt(stableReserve, -int32(netCfg.StableTokenDecimals))
	return stableAmt.Div(tokenAmt), nil
}

func rawCallBytes(elem rpc.BatchElem) ([]byte, error) {
	if elem.Error != nil {
		return nil, elem.Error
	}
	result, ok := elem.Result.(*hexutil.Bytes)
	if !ok || result == nil || len(*result) == 0 {
		return nil, fmt.Errorf("empty call result")
	}
	return *result, nil
}
