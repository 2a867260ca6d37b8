// Package ledger submits mint transactions and reads their status back from the chain.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TxRef identifies a submitted transaction (0x-prefixed hash).
type TxRef string

type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateReverted  State = "reverted"
)

var (
	// ErrSubmission wraps every failed submission. The transaction may or may not
	// have reached the network.
	ErrSubmission = errors.New("submission failed")
	// ErrTransientLookup wraps status lookups that failed without a verdict.
	ErrTransientLookup = errors.New("transient lookup failure")
)

// MintTx is the payload of a mint call.
type MintTx struct {
	Recipient common.Address
	Data      []byte
	Proof     []byte
}

// TxStatus is a point-in-time view of a submitted transaction.
type TxStatus struct {
	State       State  `json:"state"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	GasUsed     uint64 `json:"gasUsed,omitempty"`
	TokenID     string `json:"tokenId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Gateway is the narrow interface the orchestrator uses to reach the chain.
// GetStatus is an idempotent read; a Reverted status is a verdict, not an error.
type Gateway interface {
	Submit(ctx context.Context, tx MintTx) (TxRef, error)
	GetStatus(ctx context.Context, ref TxRef) (TxStatus, error)
}

// HealthChecker is implemented by gateways that can probe their node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

func validateMintTx(tx MintTx) error {
	if tx.Recipient == (common.Address{}) {
		return errors.New("recipient is required")
	}
	if len(tx.Data) == 0 {
		return errors.New("compressed metadata is required")
	}
	if len(tx.Proof) == 0 {
		return errors.New("proof is required")
	}
	return nil
}

func parseTxRef(ref TxRef) (common.Hash, error) {
	s := string(ref)
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return common.Hash{}, fmt.Errorf("invalid transaction reference %q", s)
	}
	return common.HexToHash(s), nil
}
