package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const aggregatorABI = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`

// PriceReading is one observation from the on-chain aggregator.
type PriceReading struct {
	Price     decimal.Decimal
	UpdatedAt time.Time
	Round     *big.Int
}

// Feed reads the reference price the safety gate checks before a cycle.
type Feed interface {
	Latest(ctx context.Context) (PriceReading, error)
}

// ChainlinkFeed reads latestRoundData from a Chainlink aggregator contract.
// The ethclient connection is dialed lazily and reused; the feed's decimals
// are fetched once and cached for the life of the process.
type ChainlinkFeed struct {
	rpcURL  string
	feed    common.Address
	abi     abi.ABI
	timeout time.Duration
	retries int

	mu            sync.Mutex
	client        *ethclient.Client
	decimals      int32
	decimalsKnown bool
}

func NewChainlinkFeed(rpcURL, feedAddr string, timeout time.Duration, retries int) (*ChainlinkFeed, error) {
	if !common.IsHexAddress(feedAddr) {
		return nil, fmt.Errorf("invalid price feed address %q", feedAddr)
	}
	parsedABI, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("parsing aggregator abi: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &ChainlinkFeed{
		rpcURL:  strings.TrimSpace(rpcURL),
		feed:    common.HexToAddress(feedAddr),
		abi:     parsedABI,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (f *ChainlinkFeed) Latest(ctx context.Context) (PriceReading, error) {
	if f.rpcURL == "" {
		return PriceReading{}, fmt.Errorf("rpc url not configured")
	}

	output, err := f.call(ctx, "latestRoundData")
	if err != nil {
		return PriceReading{}, err
	}

	values, err := f.abi.Unpack("latestRoundData", output)
	if err != nil {
		return PriceReading{}, fmt.Errorf("unpacking round data: %w", err)
	}
	if len(values) != 5 {
		return PriceReading{}, fmt.Errorf("unexpected round data arity %d", len(values))
	}

	round, ok := values[0].(*big.Int)
	if !ok {
		return PriceReading{}, fmt.Errorf("unexpected roundId type %T", values[0])
	}
	answer, ok := values[1].(*big.Int)
	if !ok {
		return PriceReading{}, fmt.Errorf("unexpected answer type %T", values[1])
	}
	updatedAt, ok := values[3].(*big.Int)
	if !ok {
		return PriceReading{}, fmt.Errorf("unexpected updatedAt type %T", values[3])
	}

	places, err := f.feedDecimals(ctx)
	if err != nil {
		return PriceReading{}, err
	}

	return PriceReading{
		Price:     decimal.NewFromBigInt(answer, -places),
		UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
		Round:     round,
	}, nil
}

func (f *ChainlinkFeed) feedDecimals(ctx context.Context) (int32, error) {
	f.mu.Lock()
	if f.decimalsKnown {
		places := f.decimals
		f.mu.Unlock()
		return places, nil
	}
	f.mu.Unlock()

	output, err := f.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	values, err := f.abi.Unpack("decimals", output)
	if err != nil {
		return 0, fmt.Errorf("unpacking decimals: %w", err)
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("unexpected decimals arity %d", len(values))
	}
	places, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", values[0])
	}

	f.mu.Lock()
	f.decimals = int32(places)
	f.decimalsKnown = true
	f.mu.Unlock()
	return int32(places), nil
}

func (f *ChainlinkFeed) call(ctx context.Context, method string) ([]byte, error) {
	data, err := f.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("packing %s call: %w", method, err)
	}

	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
		client, err := f.getClient(attemptCtx)
		if err != nil {
			cancel()
			lastErr = err
			if !retryAfter(ctx, attempt, f.retries) {
				break
			}
			continue
		}

		msg := ethereum.CallMsg{To: &f.feed, Data: data}
		output, err := client.CallContract(attemptCtx, msg, nil)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("rpc call failed: %w", err)
			if !retryAfter(ctx, attempt, f.retries) {
				break
			}
			continue
		}
		return output, nil
	}
	return nil, lastErr
}

func (f *ChainlinkFeed) getClient(ctx context.Context) (*ethclient.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}
	client, err := ethclient.DialContext(ctx, f.rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect rpc: %w", err)
	}
	f.client = client
	return f.client, nil
}

func retryAfter(ctx context.Context, attempt, max int) bool {
	if attempt >= max {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	default:
	}
	time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
	return true
}
