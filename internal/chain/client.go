package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"launchLedger/internal/config"
	"launchLedger/internal/model"
)

const (
	defaultRPCTimeout = 10 * time.Second
	// timestampCacheSize bounds the block timestamps kept by hash.
	timestampCacheSize = 4096
)

// Client wraps go-ethereum RPC for one chain. Every call runs under the configured timeout.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client

	chainID       uint64
	confirmations uint64
	timeout       time.Duration

	tsCache *lru.Cache[common.Hash, uint64]
}

// NewClient dials the chain's RPC endpoint and checks it serves the configured chain id.
func NewClient(ctx context.Context, cfg config.ChainConfig) (*Client, error) {
	for _, contract := range cfg.Contracts {
		if !common.IsHexAddress(contract.Address) {
			return nil, &PermanentConfigError{Reason: fmt.Sprintf("invalid contract address %q", contract.Address)}
		}
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, classify("dial", err)
	}
	return newClient(ctx, rpcClient, cfg)
}

func newClient(ctx context.Context, rpcClient *rpc.Client, cfg config.ChainConfig) (*Client, error) {
	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	c := &Client{
		rpcClient:     rpcClient,
		ethClient:     ethclient.NewClient(rpcClient),
		chainID:       cfg.ChainID,
		confirmations: cfg.Confirmations,
		timeout:       timeout,
		tsCache:       lru.NewCache[common.Hash, uint64](timestampCacheSize),
	}

	remote, err := c.GetChainID(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	if !remote.IsUint64() || remote.Uint64() != cfg.ChainID {
		c.Close()
		return nil, &PermanentConfigError{Reason: fmt.Sprintf("endpoint serves chain %s, configured %d", remote, cfg.ChainID)}
	}
	return c, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() uint64 { return c.chainID }

// Confirmations returns the depth below head at which a block counts as confirmed.
func (c *Client) Confirmations() uint64 { return c.confirmations }

// GetChainID asks the node for its chain id.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id, err := c.ethClient.ChainID(ctx)
	return id, classify("eth_chainId", err)
}

// HeadBlock returns the latest block number.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	head, err := c.ethClient.BlockNumber(ctx)
	return head, classify("eth_blockNumber", err)
}

// SafeHead returns the highest confirmed block.
func (c *Client) SafeHead(ctx context.Context) (uint64, error) {
	head, err := c.HeadBlock(ctx)
	if err != nil {
		return 0, err
	}
	if head < c.confirmations {
		return 0, nil
	}
	return head - c.confirmations, nil
}

// GetBlock returns the canonical hash and timestamp at a height.
func (c *Client) GetBlock(ctx context.Context, number uint64) (model.BlockRef, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	header, err := c.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return model.BlockRef{}, classify("eth_getBlockByNumber", err)
	}
	hash := header.Hash()
	c.tsCache.Add(hash, header.Time)

	return model.BlockRef{Number: number, Hash: hash.Hex(), Timestamp: header.Time}, nil
}

// blockTimestamp returns the timestamp of a block by hash, using a bounded in-memory cache.
func (c *Client) blockTimestamp(ctx context.Context, hash common.Hash) (uint64, error) {
	if ts, ok := c.tsCache.Get(hash); ok {
		return ts, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	header, err := c.ethClient.HeaderByHash(ctx, hash)
	if err != nil {
		return 0, classify("eth_getBlockByHash", err)
	}

	c.tsCache.Add(hash, header.Time)
	return header.Time, nil
}

// FetchLogs returns the contract's logs in [from, to] matching topic0, in block then log index order.
// A range starting above head yields no logs; a range ending above head is clipped.
func (c *Client) FetchLogs(ctx context.Context, contract string, from, to uint64, topic0 []common.Hash) ([]model.LogRecord, error) {
	if !common.IsHexAddress(contract) {
		return nil, &PermanentConfigError{Reason: fmt.Sprintf("invalid contract address %q", contract)}
	}
	if to < from {
		return nil, nil
	}

	head, err := c.HeadBlock(ctx)
	if err != nil {
		return nil, err
	}
	if from > head {
		return nil, nil
	}
	if to > head {
		to = head
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{common.HexToAddress(contract)},
	}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	logs, err := c.ethClient.FilterLogs(callCtx, query)
	cancel()
	if err != nil {
		return nil, classify("eth_getLogs", err)
	}

	records := make([]model.LogRecord, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ts, err := c.blockTimestamp(ctx, lg.BlockHash)
		if err != nil {
			return nil, err
		}
		records = append(records, buildLogRecord(c.chainID, lg, ts))
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].BlockNumber != records[j].BlockNumber {
			return records[i].BlockNumber < records[j].BlockNumber
		}
		return records[i].LogIndex < records[j].LogIndex
	})
	return records, nil
}

// ReadState performs a view call against the contract at the latest confirmed block.
func (c *Client) ReadState(ctx context.Context, contract string, calldata []byte) ([]byte, error) {
	if !common.IsHexAddress(contract) {
		return nil, &PermanentConfigError{Reason: fmt.Sprintf("invalid contract address %q", contract)}
	}
	safe, err := c.SafeHead(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	to := common.HexToAddress(contract)
	out, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{To: &to, Data: calldata}, new(big.Int).SetUint64(safe))
	return out, classify("eth_call", err)
}
