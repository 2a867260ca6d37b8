// Package proofsvc talks to the metadata compression service that produces
// compressed NFT metadata together with a validity proof.
package proofsvc

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrInvalidInput is returned before any request is made when the caller supplied
	// unusable input, such as empty metadata.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnavailable marks failures worth retrying: transport errors, timeouts,
	// throttling and 5xx responses.
	ErrUnavailable = errors.New("proof service unavailable")
	// ErrBadResponse marks responses that can never yield a usable artifact.
	ErrBadResponse = errors.New("proof service bad response")
)

// Artifact is compressed metadata plus the proof that it represents the original.
type Artifact struct {
	Data  hexutil.Bytes `json:"data"`
	Proof hexutil.Bytes `json:"proof"`
}

// Empty reports whether either half of the artifact is missing.
func (a Artifact) Empty() bool {
	return len(a.Data) == 0 || len(a.Proof) == 0
}

// Clone returns a copy that shares no memory with a.
func (a Artifact) Clone() Artifact {
	return Artifact{
		Data:  append(hexutil.Bytes(nil), a.Data...),
		Proof: append(hexutil.Bytes(nil), a.Proof...),
	}
}

// Ratio is the compressed size relative to the original metadata size.
func (a Artifact) Ratio(originalSize int) float64 {
	if originalSize <= 0 {
		return 0
	}
	return float64(len(a.Data)) / float64(originalSize)
}

// Prover is the contract of the compression service. Implementations keep no
// per-call state and are safe for concurrent use.
type Prover interface {
	Compress(ctx context.Context, metadata []byte) (Artifact, error)
	Verify(ctx context.Context, artifact Artifact, metadata []byte) (bool, error)
}
