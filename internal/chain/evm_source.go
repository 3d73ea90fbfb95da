package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"tax_reporter/internal/entity"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Minimal ERC20 ABI: the Transfer event plus the metadata getters the
// normalizer needs.
const erc20ABI = `[
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"payable":false,"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"payable":false,"stateMutability":"view","type":"function"}
]`

// unknownDecimals marks tokens whose decimals() call failed. The value is
// outside the supported range, so normalization turns the record into a
// malformed placeholder instead of mis-scaling the amount.
const unknownDecimals uint8 = 255

var (
	parsedERC20ABI   abi.ABI
	parsedERC20Once  sync.Once
	transferTopic    common.Hash
	decimalsCallData []byte
	symbolCallData   []byte
)

func initParsedERC20ABI() {
	parsedERC20Once.Do(func() {
		var err error
		parsedERC20ABI, err = abi.JSON(strings.NewReader(erc20ABI))
		if err != nil {
			panic(fmt.Sprintf("failed to parse ERC20 ABI: %v", err))
		}
		transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
		decimalsCallData = parsedERC20ABI.Methods["decimals"].ID
		symbolCallData = parsedERC20ABI.Methods["symbol"].ID
	})
}

// tokenMeta caches decimals/symbol per contract for one source instance.
type tokenMeta struct {
	decimals uint8
	symbol   string
}

// EVMTransferSource implements port.TransferSource by scanning ERC-20
// Transfer logs over JSON-RPC. Block timestamps and token metadata are
// filled in with batched RPC calls.
type EVMTransferSource struct {
	clients        *ClientProvider
	logger         *zap.Logger
	rpcCallTimeout time.Duration

	mu   sync.Mutex
	meta map[string]tokenMeta // token address (lowercase) -> metadata
}

// NewEVMTransferSource creates a source over the given client provider.
func NewEVMTransferSource(clients *ClientProvider, rpcCallTimeout time.Duration, logger *zap.Logger) *EVMTransferSource {
	initParsedERC20ABI()
	return &EVMTransferSource{
		clients:        clients,
		logger:         logger.Named("EVMTransferSource"),
		rpcCallTimeout: rpcCallTimeout,
		meta:           make(map[string]tokenMeta),
	}
}

// GetTransfers implements port.TransferSource. It lists every ERC-20
// Transfer log with the wallet on either side; native-currency transfers
// require an indexer with trace support and are delivered by other sources.
func (s *EVMTransferSource) GetTransfers(ctx context.Context, chainID int64, walletAddress string, fromBlock, toBlock uint64) ([]entity.RawTransferEvent, error) {
	if !common.IsHexAddress(walletAddress) {
		return nil, fmt.Errorf("%w: %q", entity.ErrInvalidWalletAddress, walletAddress)
	}
	client, err := s.clients.GetClient(chainID)
	if err != nil {
		return nil, err
	}

	wallet := common.HexToAddress(walletAddress)
	walletTopic := common.BytesToHash(common.LeftPadBytes(wallet.Bytes(), 32))

	var from *big.Int
	if fromBlock > 0 {
		from = new(big.Int).SetUint64(fromBlock)
	}
	var to *big.Int
	if toBlock > 0 {
		to = new(big.Int).SetUint64(toBlock)
	}

	// Two scans: wallet as sender, wallet as recipient. Overlaps (self
	// transfers) deduplicate downstream by (tx hash, log index).
	queries := []ethereum.FilterQuery{
		{FromBlock: from, ToBlock: to, Topics: [][]common.Hash{{transferTopic}, {walletTopic}}},
		{FromBlock: from, ToBlock: to, Topics: [][]common.Hash{{transferTopic}, nil, {walletTopic}}},
	}

	var logs []types.Log
	for _, query := range queries {
		callCtx, cancel := context.WithTimeout(ctx, s.rpcCallTimeout)
		batch, err := client.FilterLogs(callCtx, query)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: eth_getLogs failed on chain %d: %v", entity.ErrProviderUnavailable, chainID, err)
		}
		logs = append(logs, batch...)
	}
	if len(logs) == 0 {
		return []entity.RawTransferEvent{}, nil
	}

	blockTimes, err := s.fetchBlockTimestamps(ctx, client, logs)
	if err != nil {
		return nil, err
	}
	if err := s.fetchTokenMeta(ctx, client, logs); err != nil {
		// Metadata failures degrade individual records, not the scan.
		s.logger.Warn("Token metadata batch failed", zap.Int64("chainID", chainID), zap.Error(err))
	}

	events := make([]entity.RawTransferEvent, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 3 {
			s.logger.Debug("Skipping non-standard Transfer log",
				zap.String("txHash", lg.TxHash.Hex()),
				zap.Uint("logIndex", lg.Index))
			continue
		}
		tokenAddr := strings.ToLower(lg.Address.Hex())
		m, haveMeta := s.cachedMeta(tokenAddr)
		if !haveMeta {
			m = tokenMeta{decimals: unknownDecimals}
		}
		events = append(events, entity.RawTransferEvent{
			ChainID:        chainID,
			BlockTimestamp: blockTimes[lg.BlockNumber],
			TxHash:         lg.TxHash.Hex(),
			LogIndex:       lg.Index,
			TokenAddress:   tokenAddr,
			TokenSymbol:    m.symbol,
			TokenDecimals:  m.decimals,
			From:           common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
			To:             common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
			RawAmount:      new(big.Int).SetBytes(lg.Data),
			Hint:           "transfer",
		})
	}
	s.logger.Info("Fetched transfer logs",
		zap.Int64("chainID", chainID),
		zap.String("wallet", walletAddress),
		zap.Int("eventCount", len(events)))
	return events, nil
}

// fetchBlockTimestamps resolves timestamps for every block touched by the
// logs with a single JSON-RPC batch.
func (s *EVMTransferSource) fetchBlockTimestamps(ctx context.Context, client clientWithRPC, logs []types.Log) (map[uint64]time.Time, error) {
	blockNums := make(map[uint64]struct{})
	for _, lg := range logs {
		blockNums[lg.BlockNumber] = struct{}{}
	}

	batchElems := make([]rpc.BatchElem, 0, len(blockNums))
	order := make([]uint64, 0, len(blockNums))
	for num := range blockNums {
		order = append(order, num)
		batchElems = append(batchElems, rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{hexutil.EncodeUint64(num), false},
			Result: new(types.Header),
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, s.rpcCallTimeout)
	defer cancel()
	if err := client.Client().BatchCallContext(callCtx, batchElems); err != nil {
		return nil, fmt.Errorf("%w: block timestamp batch failed: %v", entity.ErrProviderUnavailable, err)
	}

	times := make(map[uint64]time.Time, len(order))
	for i, elem := range batchElems {
		if elem.Error != nil {
			return nil, fmt.Errorf("%w: failed to fetch block %d: %v", entity.ErrProviderUnavailable, order[i], elem.Error)
		}
		header, ok := elem.Result.(*types.Header)
		if !ok || header == nil {
			return nil, fmt.Errorf("%w: unexpected result decoding block %d", entity.ErrSchemaMismatch, order[i])
		}
		times[order[i]] = time.Unix(int64(header.Time), 0).UTC()
	}
	return times, nil
}

// fetchTokenMeta resolves decimals and symbol for every token contract in
// the logs, batched, tolerating per-token failures.
func (s *EVMTransferSource) fetchTokenMeta(ctx context.Context, client clientWithRPC, logs []types.Log) error {
	var missing []string
	seen := make(map[string]struct{})
	for _, lg := range logs {
		addr := strings.ToLower(lg.Address.Hex())
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if _, cached := s.cachedMeta(addr); !cached {
			missing = append(missing, addr)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	batchElems := make([]rpc.BatchElem, 0, len(missing)*2)
	for _, addr := range missing {
		callArgs := func(data []byte) map[string]interface{} {
			return map[string]interface{}{
				"to":   common.HexToAddress(addr),
				"data": hexutil.Bytes(data),
			}
		}
		batchElems = append(batchElems,
			rpc.BatchElem{
				Method: "eth_call",
				Args:   []interface{}{callArgs(decimalsCallData), "latest"},
				Result: new(hexutil.Bytes),
			},
			rpc.BatchElem{
				Method: "eth_call",
				Args:   []interface{}{callArgs(symbolCallData), "latest"},
				Result: new(hexutil.Bytes),
			},
		)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.rpcCallTimeout)
	defer cancel()
	if err := client.Client().BatchCallContext(callCtx, batchElems); err != nil {
		return fmt.Errorf("token metadata batch call failed: %w", err)
	}

	for i, addr := range missing {
		meta := tokenMeta{decimals: unknownDecimals}
		if dec, err := unpackUint8(batchElems[i*2], "decimals"); err == nil {
			meta.decimals = dec
		} else {
			s.logger.Debug("decimals() call failed", zap.String("token", addr), zap.Error(err))
		}
		if sym, err := unpackString(batchElems[i*2+1], "symbol"); err == nil {
			meta.symbol = sym
		}
		s.mu.Lock()
		s.meta[addr] = meta
		s.mu.Unlock()
	}
	return nil
}

func (s *EVMTransferSource) cachedMeta(addr string) (tokenMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[addr]
	return m, ok
}

func unpackUint8(elem rpc.BatchElem, method string) (uint8, error) {
	raw, err := rawCallResult(elem)
	if err != nil {
		return 0, err
	}
	unpacked, err := parsedERC20ABI.Unpack(method, raw)
	if err != nil || len(unpacked) == 0 {
		return 0, fmt.Errorf("failed to unpack %s result: %v", method, err)
	}
	val, ok := unpacked[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected %s result type %T", method, unpacked[0])
	}
	return val, nil
}

func unpackString(elem rpc.BatchElem, method string) (string, error) {
	raw, err := rawCallResult(elem)
	if err != nil {
		return "", err
	}
	unpacked, err := parsedERC20ABI.Unpack(method, raw)
	if err != nil || len(unpacked) == 0 {
		return "", fmt.Errorf("failed to unpack %s result: %v", method, err)
	}
	val, ok := unpacked[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected %s result type %T", method, unpacked[0])
	}
	return val, nil
}

func rawCallResult(elem rpc.BatchElem) ([]byte, error) {
	if elem.Error != nil {
		return nil, elem.Error
	}
	result, ok := elem.Result.(*hexutil.Bytes)
	if !ok || result == nil || len(*result) == 0 {
		return nil, fmt.Errorf("empty call result")
	}
	return *result, nil
}

// clientWithRPC is the subset of ethclient.Client the source needs; tests
// substitute a fake.
type clientWithRPC interface {
	Client() *rpc.Client
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}
