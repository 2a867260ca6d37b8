// Package mint drives a compressed-metadata NFT mint from proof generation through
// on-chain finality, reporting every state transition to observers.
package mint

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"zkmint/internal/ledger"
	"zkmint/internal/proofsvc"
)

var (
	ErrNotFound         = errors.New("mint attempt not found")
	ErrDuplicateAttempt = errors.New("mint attempt already exists")
	ErrTerminal         = errors.New("mint attempt already finished")
	ErrShuttingDown     = errors.New("orchestrator is shutting down")
)

// State is the lifecycle position of an attempt.
type State string

const (
	StateCreated     State = "created"
	StateCompressing State = "compressing"
	StateSubmitting  State = "submitting"
	StatePending     State = "pending"
	StateConfirmed   State = "confirmed"
	StateFailed      State = "failed"
)

func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// Kind classifies a terminal failure. Transient status lookups are absorbed by
// the polling loop and never surface as a Kind.
type Kind string

const (
	KindInvalidInput            Kind = "invalid_input"
	KindProofServiceUnavailable Kind = "proof_service_unavailable"
	KindProofServiceBadResponse Kind = "proof_service_bad_response"
	KindSubmission              Kind = "submission_error"
	KindReverted                Kind = "reverted"
	KindPollTimeout             Kind = "poll_timeout"
	KindCancelled               Kind = "cancelled"
)

// Outcome tells the caller what a failure means for the ledger.
type Outcome string

const (
	// OutcomeNone: nothing was sent to the ledger.
	OutcomeNone Outcome = "none"
	// OutcomeUnknown: a transaction may exist; re-check TxRef independently.
	OutcomeUnknown Outcome = "unknown"
	// OutcomeFailed: the ledger definitively rejected the mint.
	OutcomeFailed Outcome = "failed"
)

// Failure is the terminal error of a failed attempt.
type Failure struct {
	Kind    Kind    `json:"kind"`
	Outcome Outcome `json:"outcome"`
	Message string  `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func failure(kind Kind, outcome Outcome, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Outcome: outcome, Message: fmt.Sprintf(format, args...)}
}

// Snapshot is a read-only copy of an attempt.
type Snapshot struct {
	ID                  string             `json:"id"`
	Metadata            []byte             `json:"metadata"`
	Recipient           common.Address     `json:"recipient"`
	Artifact            *proofsvc.Artifact `json:"artifact,omitempty"`
	TxRef               ledger.TxRef       `json:"txRef,omitempty"`
	TxStatus            *ledger.TxStatus   `json:"txStatus,omitempty"`
	State               State              `json:"state"`
	LastError           *Failure           `json:"lastError,omitempty"`
	AttemptCount        int                `json:"attemptCount"`
	CompressionAttempts int                `json:"compressionAttempts"`
	TransientLookups    int                `json:"transientLookups"`
	CreatedAt           time.Time          `json:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Metadata = append([]byte(nil), s.Metadata...)
	if s.Artifact != nil {
		artifact := s.Artifact.Clone()
		out.Artifact = &artifact
	}
	if s.TxStatus != nil {
		status := *s.TxStatus
		out.TxStatus = &status
	}
	if s.LastError != nil {
		f := *s.LastError
		out.LastError = &f
	}
	return out
}

// StatusEvent is one transition as seen by observers. Seq increases by one per
// transition of the same attempt.
type StatusEvent struct {
	AttemptID string       `json:"attemptId"`
	Seq       int          `json:"seq"`
	State     State        `json:"state"`
	Detail    string       `json:"detail"`
	TxRef     ledger.TxRef `json:"txRef,omitempty"`
	// PendingPolls counts status polls that found the transaction pending so far.
	PendingPolls int       `json:"pendingPolls"`
	Failure      *Failure  `json:"failure,omitempty"`
	At           time.Time `json:"at"`
}
