// Package funding looks up where a wallet's stablecoin came from before it
// started trading, by scanning ERC-20 Transfer logs over Ethereum-compatible
// RPC.
package funding

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"polysybil/internal/cluster"
)

const erc20TransferABIJSON = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`

var (
	erc20ABI      abi.ABI
	transferTopic common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 Transfer ABI: " + err.Error())
	}
	erc20ABI = parsed
	transferTopic = parsed.Events["Transfer"].ID
}

// Defaults sized for public Polygon endpoints, which reject wide
// eth_getLogs ranges.
const (
	DefaultBlockSpan uint64 = 2_000
	DefaultLookback  uint64 = 100_000
	defaultTimeout          = 30 * time.Second
)

// Options parameterise the on-chain lookup.
type Options struct {
	RPCURL string
	// TokenAddress is the collateral token whose transfers count as funding.
	TokenAddress string
	Decimals     int32
	// FromBlock is the earliest block ever scanned.
	FromBlock uint64
	// BlockSpan bounds the range of a single eth_getLogs call.
	BlockSpan uint64
	// Lookback is how many blocks before the wallet's first trade are scanned.
	Lookback uint64
	// Timeout bounds each RPC call.
	Timeout time.Duration
}

// chainClient is the subset of ethclient.Client the lookup needs.
type chainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Transfer is a decoded ERC-20 transfer into a wallet.
type Transfer struct {
	From   string
	To     string
	Amount decimal.Decimal
	Block  uint64
	TxHash string
}

type cached struct {
	transfer Transfer
	found    bool
}

// ChainLookup finds the first inbound token transfer of a wallet.
type ChainLookup struct {
	opts      Options
	logger    zerolog.Logger
	client    chainClient
	closer    func()
	clientMux sync.Mutex

	cacheMu sync.Mutex
	cache   map[string]cached
}

// NewChainLookup builds a lookup. Results are memoised per instance.
func NewChainLookup(opts Options, logger zerolog.Logger) *ChainLookup {
	if opts.BlockSpan == 0 {
		opts.BlockSpan = DefaultBlockSpan
	}
	if opts.Lookback == 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Decimals == 0 {
		opts.Decimals = 6
	}
	return &ChainLookup{
		opts:   opts,
		logger: logger.With().Str("component", "funding").Logger(),
		cache:  make(map[string]cached),
	}
}

// FundingSource returns the sender of the earliest inbound transfer in the
// lookback window before firstTrade.
func (c *ChainLookup) FundingSource(ctx context.Context, wallet string, firstTrade time.Time) (string, bool, error) {
	tr, ok, err := c.FirstFunding(ctx, wallet, firstTrade)
	if err != nil || !ok {
		return "", false, err
	}
	return tr.From, true, nil
}

// FirstFunding scans Transfer logs forward through the Lookback blocks that
// end at the block of firstTrade and returns the earliest transfer into
// wallet. A zero firstTrade ends the window at the chain head.
func (c *ChainLookup) FirstFunding(ctx context.Context, wallet string, firstTrade time.Time) (Transfer, bool, error) {
	if c.opts.RPCURL == "" && c.client == nil {
		return Transfer{}, false, errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(c.opts.TokenAddress) {
		return Transfer{}, false, errors.New("funding token address not configured")
	}
	if !common.IsHexAddress(wallet) {
		return Transfer{}, false, fmt.Errorf("invalid wallet address %q", wallet)
	}

	key := strings.ToLower(wallet)
	if !firstTrade.IsZero() {
		key += "@" + strconv.FormatInt(firstTrade.Unix(), 10)
	}
	c.cacheMu.Lock()
	hit, ok := c.cache[key]
	c.cacheMu.Unlock()
	if ok {
		return hit.transfer, hit.found, nil
	}

	client, err := c.getClient(ctx)
	if err != nil {
		return Transfer{}, false, err
	}
	from, to, err := c.window(ctx, client, firstTrade)
	if err != nil {
		return Transfer{}, false, err
	}

	token := common.HexToAddress(c.opts.TokenAddress)
	recipient := common.BytesToHash(common.HexToAddress(wallet).Bytes())
	for lo := from; lo <= to; lo += c.opts.BlockSpan {
		hi := min(lo+c.opts.BlockSpan-1, to)
		logs, err := c.filterLogs(ctx, client, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(lo),
			ToBlock:   new(big.Int).SetUint64(hi),
			Addresses: []common.Address{token},
			Topics:    [][]common.Hash{{transferTopic}, nil, {recipient}},
		})
		if err != nil {
			return Transfer{}, false, fmt.Errorf("filter logs %d-%d: %w", lo, hi, err)
		}
		if len(logs) == 0 {
			continue
		}

		tr, err := decodeTransfer(earliest(logs), c.opts.Decimals)
		if err != nil {
			return Transfer{}, false, err
		}
		c.remember(key, cached{transfer: tr, found: true})
		c.logger.Debug().
			Str("wallet", wallet).
			Str("funder", tr.From).
			Uint64("block", tr.Block).
			Msg("funding source found")
		return tr, true, nil
	}

	c.remember(key, cached{})
	return Transfer{}, false, nil
}

// window returns the inclusive block range to scan.
func (c *ChainLookup) window(ctx context.Context, client chainClient, firstTrade time.Time) (uint64, uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	latest, err := client.BlockNumber(callCtx)
	cancel()
	if err != nil {
		return 0, 0, fmt.Errorf("block number: %w", err)
	}
	if latest < c.opts.FromBlock {
		return c.opts.FromBlock, latest, nil
	}

	end := latest
	if !firstTrade.IsZero() {
		if end, err = c.blockAt(ctx, client, firstTrade, c.opts.FromBlock, latest); err != nil {
			return 0, 0, err
		}
	}
	start := c.opts.FromBlock
	if end > c.opts.Lookback && end-c.opts.Lookback > start {
		start = end - c.opts.Lookback
	}
	return start, end, nil
}

// blockAt returns the last block in [lo, hi] mined at or before at, or lo
// when every block is later.
func (c *ChainLookup) blockAt(ctx context.Context, client chainClient, at time.Time, lo, hi uint64) (uint64, error) {
	target := uint64(max(at.Unix(), 0))
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		header, err := client.HeaderByNumber(callCtx, new(big.Int).SetUint64(mid))
		cancel()
		if err != nil {
			return 0, fmt.Errorf("header %d: %w", mid, err)
		}
		if header.Time <= target {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

func (c *ChainLookup) filterLogs(ctx context.Context, client chainClient, q ethereum.FilterQuery) ([]types.Log, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	return client.FilterLogs(callCtx, q)
}

func (c *ChainLookup) remember(key string, v cached) {
	c.cacheMu.Lock()
	c.cache[key] = v
	c.cacheMu.Unlock()
}

func earliest(logs []types.Log) types.Log {
	return slices.MinFunc(logs, func(a, b types.Log) int {
		return cmp.Or(cmp.Compare(a.BlockNumber, b.BlockNumber), cmp.Compare(a.Index, b.Index))
	})
}

func decodeTransfer(lg types.Log, decimals int32) (Transfer, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
		return Transfer{}, errors.New("log is not an ERC-20 Transfer")
	}
	values, err := erc20ABI.Unpack("Transfer", lg.Data)
	if err != nil {
		return Transfer{}, err
	}
	if len(values) != 1 {
		return Transfer{}, errors.New("unexpected Transfer payload")
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return Transfer{}, errors.New("failed to decode Transfer value")
	}
	return Transfer{
		From:   strings.ToLower(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
		To:     strings.ToLower(common.BytesToAddress(lg.Topics[2].Bytes()).Hex()),
		Amount: decimal.NewFromBigInt(amount, -decimals),
		Block:  lg.BlockNumber,
		TxHash: lg.TxHash.Hex(),
	}, nil
}

func (c *ChainLookup) getClient(ctx context.Context) (chainClient, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	client, err := ethclient.DialContext(dialCtx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	c.closer = client.Close
	return client, nil
}

// Close releases the RPC connection.
func (c *ChainLookup) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.closer != nil {
		c.closer()
	}
	c.client = nil
	c.closer = nil
}

var _ cluster.FundingLookup = (*ChainLookup)(nil)
