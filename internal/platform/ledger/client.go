package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/alanyoungcy/veilbook/internal/crypto"
	"github.com/alanyoungcy/veilbook/internal/domain"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of the JSON-RPC client the adapter needs.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config tunes submission and confirmation.
type Config struct {
	GasLimit       uint64        // used when estimation fails
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Client implements domain.Ledger over an EVM JSON-RPC endpoint.
type Client struct {
	backend Backend
	signer  *crypto.Signer
	cfg     Config
	logger  *slog.Logger
}

// Dial connects to rpcURL and returns a Client that signs with signer.
func Dial(ctx context.Context, rpcURL string, signer *crypto.Signer, cfg Config, logger *slog.Logger) (*Client, *ethclient.Client, error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: dial %s: %w", rpcURL, err)
	}
	return NewClient(rpc, signer, cfg, logger), rpc, nil
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, signer *crypto.Signer, cfg Config, logger *slog.Logger) *Client {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 500_000
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Client{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "ledger")),
	}
}

// Simulate dry-runs tx with eth_call against the latest block. A revert is
// reported in the result; only transport failures are returned as errors.
func (c *Client) Simulate(ctx context.Context, tx domain.Transaction) (domain.SimulationResult, error) {
	msg, err := callMsg(tx)
	if err != nil {
		return domain.SimulationResult{}, err
	}
	_, err = c.backend.CallContract(ctx, msg, nil)
	if err == nil {
		return domain.SimulationResult{}, nil
	}
	if !isRevert(err) {
		return domain.SimulationResult{}, fmt.Errorf("ledger: simulate %s: %w", tx.Kind, err)
	}

	logs := []string{err.Error()}
	if reason := revertReason(err); reason != "" {
		logs = append(logs, "revert: "+reason)
	}
	return domain.SimulationResult{
		Err:  fmt.Errorf("%w: %s", domain.ErrSimulationFailed, err.Error()),
		Logs: logs,
	}, nil
}

// Send signs and broadcasts tx and returns its hash.
func (c *Client) Send(ctx context.Context, tx domain.Transaction) (string, error) {
	msg, err := callMsg(tx)
	if err != nil {
		return "", err
	}
	if msg.From != c.signer.Address() {
		return "", fmt.Errorf("ledger: send: %w: transaction owner %s is not the wallet %s",
			domain.ErrUnauthorized, msg.From.Hex(), c.signer.Address().Hex())
	}

	nonce, err := c.backend.PendingNonceAt(ctx, msg.From)
	if err != nil {
		return "", fmt.Errorf("ledger: pending nonce: %w", err)
	}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		c.logger.WarnContext(ctx, "gas estimation failed, using configured limit",
			slog.String("kind", string(tx.Kind)),
			slog.String("error", err.Error()),
		)
		gas = c.cfg.GasLimit
	} else {
		gas = gas * 12 / 10
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("ledger: gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("ledger: latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	signed, err := c.signer.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        msg.To,
		Data:      msg.Data,
	}))
	if err != nil {
		return "", err
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("ledger: send %s: %w", tx.Kind, err)
	}

	hash := signed.Hash().Hex()
	c.logger.InfoContext(ctx, "transaction sent",
		slog.String("kind", string(tx.Kind)),
		slog.String("hash", hash),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas),
	)
	return hash, nil
}

// Confirm polls for the receipt of signature until it is mined, reverts, or
// the confirm timeout passes.
func (c *Client) Confirm(ctx context.Context, signature string) error {
	if len(signature) != 66 || !strings.HasPrefix(signature, "0x") {
		return fmt.Errorf("ledger: confirm: malformed hash %q", signature)
	}
	hash := common.HexToHash(signature)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("ledger: %w: %s reverted in block %s", domain.ErrNotConfirmed, signature, receipt.BlockNumber)
			}
			return nil
		case !errors.Is(err, ethereum.NotFound):
			c.logger.WarnContext(ctx, "receipt lookup failed",
				slog.String("hash", signature),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("ledger: %w: %s: %v", domain.ErrNotConfirmed, signature, ctx.Err())
		case <-ticker.C:
		}
	}
}

func callMsg(tx domain.Transaction) (ethereum.CallMsg, error) {
	from, err := parseAddress("sender", tx.From)
	if err != nil {
		return ethereum.CallMsg{}, err
	}
	to, err := parseAddress("program", tx.To)
	if err != nil {
		return ethereum.CallMsg{}, err
	}
	return ethereum.CallMsg{From: from, To: &to, Data: tx.Data}, nil
}

// dataError matches JSON-RPC errors that carry revert data.
type dataError interface {
	ErrorData() interface{}
}

func isRevert(err error) bool {
	var de dataError
	if errors.As(err, &de) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func revertReason(err error) string {
	var de dataError
	if !errors.As(err, &de) {
		return ""
	}
	s, ok := de.ErrorData().(string)
	if !ok {
		return ""
	}
	data, decodeErr := hexutil.Decode(s)
	if decodeErr != nil {
		return ""
	}
	reason, unpackErr := abi.UnpackRevert(data)
	if unpackErr != nil {
		return ""
	}
	return reason
}
