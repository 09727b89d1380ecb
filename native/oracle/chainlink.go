package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const aggregatorV3ABI = `[
  {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"latestRoundData","outputs":[
    {"internalType":"uint80","name":"roundId","type":"uint80"},
    {"internalType":"int256","name":"answer","type":"int256"},
    {"internalType":"uint256","name":"startedAt","type":"uint256"},
    {"internalType":"uint256","name":"updatedAt","type":"uint256"},
    {"internalType":"uint80","name":"answeredInRound","type":"uint80"}
  ],"stateMutability":"view","type":"function"}
]`

var (
	aggregatorOnce sync.Once
	aggregatorABI  abi.ABI
	aggregatorErr  error
)

func parsedAggregatorABI() (abi.ABI, error) {
	aggregatorOnce.Do(func() {
		aggregatorABI, aggregatorErr = abi.JSON(strings.NewReader(aggregatorV3ABI))
	})
	return aggregatorABI, aggregatorErr
}

// ChainlinkFeed reads an AggregatorV3 price feed contract over EVM JSON-RPC.
type ChainlinkFeed struct {
	caller  ethereum.ContractCaller
	address common.Address

	mu       sync.Mutex
	decimals *uint8
}

// NewChainlinkFeed wraps an existing contract caller (an *ethclient.Client or
// a simulated backend).
func NewChainlinkFeed(caller ethereum.ContractCaller, address common.Address) (*ChainlinkFeed, error) {
	if caller == nil {
		return nil, fmt.Errorf("chainlink feed: contract caller required")
	}
	if address == (common.Address{}) {
		return nil, fmt.Errorf("chainlink feed: aggregator address required")
	}
	if _, err := parsedAggregatorABI(); err != nil {
		return nil, fmt.Errorf("chainlink feed: parse abi: %w", err)
	}
	return &ChainlinkFeed{caller: caller, address: address}, nil
}

// DialChainlinkFeed connects to the JSON-RPC endpoint and binds the feed at
// the hex aggregator address.
func DialChainlinkFeed(ctx context.Context, endpoint, aggregator string) (*ChainlinkFeed, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chainlink feed: rpc endpoint required")
	}
	if !common.IsHexAddress(aggregator) {
		return nil, fmt.Errorf("chainlink feed: invalid aggregator address %q", aggregator)
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("chainlink feed: dial: %w", err)
	}
	return NewChainlinkFeed(client, common.HexToAddress(aggregator))
}

func (f *ChainlinkFeed) Name() string { return "chainlink:" + f.address.Hex() }

func (f *ChainlinkFeed) call(ctx context.Context, method string) ([]interface{}, error) {
	parsed, err := parsedAggregatorABI()
	if err != nil {
		return nil, err
	}
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, err
	}
	to := f.address
	out, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return parsed.Unpack(method, out)
}

func (f *ChainlinkFeed) loadDecimals(ctx context.Context) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decimals != nil {
		return *f.decimals, nil
	}
	values, err := f.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("chainlink feed: unexpected decimals output")
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chainlink feed: unexpected decimals type %T", values[0])
	}
	f.decimals = &decimals
	return decimals, nil
}

func (f *ChainlinkFeed) LatestQuote(ctx context.Context) (Quote, error) {
	decimals, err := f.loadDecimals(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("chainlink feed: decimals: %w", err)
	}
	values, err := f.call(ctx, "latestRoundData")
	if err != nil {
		return Quote{}, fmt.Errorf("chainlink feed: latestRoundData: %w", err)
	}
	if len(values) != 5 {
		return Quote{}, fmt.Errorf("chainlink feed: unexpected latestRoundData output")
	}
	ints := make([]*big.Int, 5)
	for i, v := range values {
		n, ok := v.(*big.Int)
		if !ok {
			return Quote{}, fmt.Errorf("chainlink feed: unexpected field %d type %T", i, v)
		}
		ints[i] = n
	}
	roundID, answer, updatedAt, answeredInRound := ints[0], ints[1], ints[3], ints[4]
	if answeredInRound.Cmp(roundID) < 0 {
		return Quote{}, ErrIncompleteRound
	}
	if !updatedAt.IsInt64() {
		return Quote{}, fmt.Errorf("chainlink feed: updatedAt out of range")
	}
	return Quote{
		Price:     answer,
		Decimals:  decimals,
		RoundID:   roundID,
		UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
		Source:    "chainlink",
	}, nil
}
