package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"zkmint/internal/contracts"
)

const revertFallback = "execution reverted"

// receiptReader is the read side of the node used for status lookups.
type receiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EthGateway mints through the NFTGenerator contract on an EVM chain.
type EthGateway struct {
	client        *ethclient.Client
	reader        receiptReader
	contract      *bind.BoundContract
	abi           abi.ABI
	address       common.Address
	from          common.Address
	signer        types.Signer
	transacts     *bind.TransactOpts
	confirmations uint64

	// serialises nonce assignment across concurrent attempts
	submitMu sync.Mutex
}

type EthGatewayConfig struct {
	RPCURL          string
	PrivateKeyHex   string
	ContractAddress string
	// Confirmations is the block depth required before a receipt counts as final.
	Confirmations uint64
	// GasLimit of zero lets the node estimate.
	GasLimit uint64
}

func NewEthGateway(ctx context.Context, cfg EthGatewayConfig) (*EthGateway, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("nft generator address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for minting")
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.NFTGeneratorABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = cfg.GasLimit

	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}

	address := common.HexToAddress(cfg.ContractAddress)
	return &EthGateway{
		client:        cli,
		reader:        cli,
		contract:      bind.NewBoundContract(address, parsedABI, cli, cli, cli),
		abi:           parsedABI,
		address:       address,
		from:          crypto.PubkeyToAddress(pk.PublicKey),
		signer:        types.LatestSignerForChainID(chainID),
		transacts:     txOpts,
		confirmations: confirmations,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Address is the minter account that signs transactions.
func (g *EthGateway) Address() common.Address {
	return g.from
}

func (g *EthGateway) Submit(ctx context.Context, tx MintTx) (TxRef, error) {
	if err := validateMintTx(tx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	g.submitMu.Lock()
	defer g.submitMu.Unlock()

	opts := *g.transacts
	opts.Context = ctx

	signed, err := g.contract.Transact(&opts, contracts.MethodMintWithMetadata, tx.Recipient, tx.Data, tx.Proof)
	if err != nil {
		return "", fmt.Errorf("%w: %s tx: %v", ErrSubmission, contracts.MethodMintWithMetadata, err)
	}
	return TxRef(signed.Hash().Hex()), nil
}

func (g *EthGateway) GetStatus(ctx context.Context, ref TxRef) (TxStatus, error) {
	hash, err := parseTxRef(ref)
	if err != nil {
		return TxStatus{}, fmt.Errorf("%w: %v", ErrTransientLookup, err)
	}

	receipt, err := g.reader.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return TxStatus{State: StatePending}, nil
	}
	if err != nil {
		return TxStatus{}, fmt.Errorf("%w: receipt %s: %v", ErrTransientLookup, ref, err)
	}

	status := TxStatus{GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		status.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if receipt.Status == types.ReceiptStatusFailed {
		status.State = StateReverted
		status.Reason = g.revertReason(ctx, hash, receipt.BlockNumber)
		return status, nil
	}

	if g.confirmations > 1 {
		head, err := g.reader.BlockNumber(ctx)
		if err != nil {
			return TxStatus{}, fmt.Errorf("%w: block number: %v", ErrTransientLookup, err)
		}
		if head+1 < status.BlockNumber+g.confirmations {
			status.State = StatePending
			return status, nil
		}
	}

	status.State = StateConfirmed
	status.TokenID = g.mintedTokenID(receipt)
	return status, nil
}

// mintedTokenID pulls the token id out of the contract's Transfer log.
func (g *EthGateway) mintedTokenID(receipt *types.Receipt) string {
	event, ok := g.abi.Events["Transfer"]
	if !ok {
		return ""
	}
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != g.address || len(lg.Topics) != 4 || lg.Topics[0] != event.ID {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[3].Bytes()).String()
	}
	return ""
}

// revertReason replays the call against the state the transaction executed on,
// the parent of its block, to recover the revert message. Best effort: any
// failure yields a generic reason.
func (g *EthGateway) revertReason(ctx context.Context, hash common.Hash, mined *big.Int) string {
	var block *big.Int
	if mined != nil && mined.Sign() > 0 {
		block = new(big.Int).Sub(mined, big.NewInt(1))
	}

	tx, _, err := g.reader.TransactionByHash(ctx, hash)
	if err != nil || tx == nil || g.signer == nil {
		return revertFallback
	}
	from, err := types.Sender(g.signer, tx)
	if err != nil {
		return revertFallback
	}

	msg := ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, err = g.reader.CallContract(ctx, msg, block)
	if err == nil {
		return revertFallback
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if encoded, ok := dataErr.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(encoded); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}

// HasMinterRole reports whether the signing account holds MINTER_ROLE.
func (g *EthGateway) HasMinterRole(ctx context.Context) (bool, error) {
	opts := &bind.CallOpts{Context: ctx}

	var out []interface{}
	if err := g.contract.Call(opts, &out, contracts.MethodMinterRole); err != nil {
		return false, fmt.Errorf("read minter role: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("read minter role: unexpected result")
	}
	role := *abi.ConvertType(out[0], new([32]byte)).(*[32]byte)

	out = nil
	if err := g.contract.Call(opts, &out, contracts.MethodHasRole, role, g.from); err != nil {
		return false, fmt.Errorf("check role: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("check role: unexpected result")
	}
	granted, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("check role: unexpected result type %T", out[0])
	}
	return granted, nil
}

func (g *EthGateway) Ping(ctx context.Context) error {
	if g.reader == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := g.reader.BlockNumber(ctx)
	return err
}

func (g *EthGateway) Close() {
	if g.client != nil {
		g.client.Close()
	}
}
