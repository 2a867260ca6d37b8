package proofsvc

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/ethereum/go-ethereum/crypto"
)

// maxMetadataBytes bounds decompression during Verify.
const maxMetadataBytes = 1 << 20

var localProofDomain = []byte("zkmint/local-proof/v1")

// LocalProver is an in-process stand-in for the compression service, used for
// local development and tests. Data is brotli-compressed metadata and the proof is
// a keccak commitment binding the metadata to the compressed bytes.
type LocalProver struct {
	Quality int
}

func NewLocalProver() *LocalProver {
	return &LocalProver{Quality: brotli.BestCompression}
}

func (p *LocalProver) Compress(_ context.Context, metadata []byte) (Artifact, error) {
	if len(metadata) == 0 {
		return Artifact{}, fmt.Errorf("%w: metadata is empty", ErrInvalidInput)
	}
	if len(metadata) > maxMetadataBytes {
		return Artifact{}, fmt.Errorf("%w: metadata exceeds %d bytes", ErrInvalidInput, maxMetadataBytes)
	}

	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, p.Quality)
	if _, err := w.Write(metadata); err != nil {
		return Artifact{}, fmt.Errorf("compress metadata: %w", err)
	}
	if err := w.Close(); err != nil {
		return Artifact{}, fmt.Errorf("compress metadata: %w", err)
	}

	data := buf.Bytes()
	return Artifact{Data: data, Proof: localProof(metadata, data)}, nil
}

func (p *LocalProver) Verify(_ context.Context, artifact Artifact, metadata []byte) (bool, error) {
	if len(metadata) == 0 {
		return false, fmt.Errorf("%w: metadata is empty", ErrInvalidInput)
	}
	if artifact.Empty() {
		return false, nil
	}
	if !bytes.Equal(artifact.Proof, localProof(metadata, artifact.Data)) {
		return false, nil
	}

	r := brotli.NewReader(bytes.NewReader(artifact.Data))
	raw, err := io.ReadAll(io.LimitReader(r, maxMetadataBytes+1))
	if err != nil {
		return false, nil
	}
	return bytes.Equal(raw, metadata), nil
}

func localProof(metadata, data []byte) []byte {
	return crypto.Keccak256(localProofDomain, crypto.Keccak256(metadata), crypto.Keccak256(data))
}
