package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	"treasuryvault/native/vault"
)

var (
	transferSelector = gethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	payoutSelector   = gethcrypto.Keccak256([]byte("payoutToUser(bytes32,address,uint256)"))[:4]
)

const defaultGasLimit = 100_000

// AlreadyProcessedRef is the reference returned when the treasury contract
// reports that the payment id was paid out by an earlier transaction.
const AlreadyProcessedRef = "already_processed"

// ErrChainMismatch reports that the RPC endpoint serves a different chain
// than the wallet signs for.
var ErrChainMismatch = errors.New("wallet: chain id mismatch")

// EVMClient is the subset of the Ethereum RPC used to send and confirm transfers.
type EVMClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVMWallet pays recipients with transactions signed by the hot wallet key:
// either a plain ERC-20 transfer, or payoutToUser on a treasury contract that
// refuses a payment id it has already paid.
type EVMWallet struct {
	client   EVMClient
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
	treasury common.Address

	// mu orders nonce allocation between concurrent transfers.
	mu sync.Mutex
}

// EVMOption customises an EVMWallet.
type EVMOption func(*EVMWallet)

// WithTreasury routes payouts through payoutToUser on the treasury contract.
func WithTreasury(contract common.Address) EVMOption {
	return func(w *EVMWallet) { w.treasury = contract }
}

// NewEVMWallet constructs a wallet from a hex-encoded secp256k1 key.
func NewEVMWallet(client EVMClient, chainID uint64, privateKeyHex string, gasLimit uint64, opts ...EVMOption) (*EVMWallet, error) {
	if client == nil {
		return nil, fmt.Errorf("evm client required")
	}
	if chainID == 0 {
		return nil, fmt.Errorf("chain id required")
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}
	w := &EVMWallet{
		client:   client,
		key:      key,
		from:     gethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:  new(big.Int).SetUint64(chainID),
		gasLimit: gasLimit,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// From returns the hot wallet address.
func (w *EVMWallet) From() common.Address { return w.from }

// VerifyChain compares the chain id served by the endpoint with the one the
// wallet signs for.
func (w *EVMWallet) VerifyChain(ctx context.Context) error {
	remote, err := w.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("fetch chain id: %w", err)
	}
	if remote == nil || remote.Cmp(w.chainID) != 0 {
		return fmt.Errorf("%w: endpoint serves %v, wallet configured for %s", ErrChainMismatch, remote, w.chainID)
	}
	return nil
}

// Transfer implements Wallet. The returned reference is the transaction hash.
// Failures before the transaction is broadcast, and JSON-RPC rejections of
// the broadcast itself, are definite. Any other broadcast error leaves the
// outcome unknown and is reported as a pending transfer of the signed hash.
func (w *EVMWallet) Transfer(ctx context.Context, req vault.TransferRequest) (string, error) {
	if (req.Recipient == common.Address{}) {
		return "", fmt.Errorf("recipient address required")
	}
	if req.Amount == nil || req.Amount.IsZero() {
		return "", fmt.Errorf("amount must be positive")
	}
	var (
		to   common.Address
		data []byte
	)
	switch {
	case w.treasury != (common.Address{}):
		to, data = w.treasury, PayoutCalldata(req.PaymentID, req.Recipient, req.Amount)
	case req.Asset.Token != (common.Address{}):
		to, data = req.Asset.Token, TransferCalldata(req.Recipient, req.Amount)
	default:
		return "", fmt.Errorf("asset %s has no token contract", req.Asset.Code)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	nonce, err := w.client.PendingNonceAt(ctx, w.from)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	gas := w.gasLimit
	estimated, err := w.client.EstimateGas(ctx, ethereum.CallMsg{From: w.from, To: &to, Data: data})
	switch {
	case err != nil && alreadyProcessed(err):
		return AlreadyProcessedRef, nil
	case err == nil && estimated > 0:
		gas = estimated
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}
	ref := signed.Hash().Hex()
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		switch {
		case alreadyProcessed(err):
			return AlreadyProcessedRef, nil
		case rejected(err):
			return "", fmt.Errorf("send transfer: %w", err)
		default:
			return ref, vault.PendingTransfer(ref, fmt.Errorf("send transfer: %w", err))
		}
	}
	return ref, nil
}

func alreadyProcessed(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already processed")
}

// rejected reports whether the node answered the broadcast with an error
// response, meaning the transaction was not accepted. "already known" means
// the pool holds it, so it may still be mined.
func rejected(err error) bool {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	return !strings.Contains(strings.ToLower(rpcErr.Error()), "already known")
}

// WaitForConfirmations polls until txRef has succeeded with the requested depth.
func (w *EVMWallet) WaitForConfirmations(ctx context.Context, txRef string, confirmations uint64, pollInterval time.Duration) error {
	if txRef == AlreadyProcessedRef {
		return nil
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	hash := common.HexToHash(txRef)
	if (hash == common.Hash{}) {
		return fmt.Errorf("tx hash required")
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		done, err := w.confirmed(ctx, hash, confirmations)
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *EVMWallet) confirmed(ctx context.Context, hash common.Hash, confirmations uint64) (bool, error) {
	receipt, err := w.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return false, nil
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return false, fmt.Errorf("transaction %s failed", hash.Hex())
	}
	if confirmations <= 1 {
		return true, nil
	}
	header, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return false, fmt.Errorf("block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return false, nil
	}
	depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	return depth.Cmp(new(big.Int).SetUint64(confirmations)) >= 0, nil
}

// PayoutCalldata encodes a treasury payoutToUser(bytes32,address,uint256) call.
func PayoutCalldata(id vault.PaymentID, recipient common.Address, amount *uint256.Int) []byte {
	data := make([]byte, 0, 4+32+32+32)
	data = append(data, payoutSelector...)
	data = append(data, id[:]...)
	data = append(data, common.LeftPadBytes(recipient.Bytes(), 32)...)
	word := amount.Bytes32()
	return append(data, word[:]...)
}

// TransferCalldata encodes an ERC-20 transfer(address,uint256) call.
func TransferCalldata(recipient common.Address, amount *uint256.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(recipient.Bytes(), 32)...)
	word := amount.Bytes32()
	return append(data, word[:]...)
}
