package proofsvc

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProver_VerifyProperties(t *testing.T) {
	prover := NewLocalProver()
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("fresh artifacts verify against their metadata", prop.ForAll(
		func(metadata string) bool {
			artifact, err := prover.Compress(ctx, []byte(metadata))
			if err != nil {
				return false
			}
			ok, err := prover.Verify(ctx, artifact, []byte(metadata))
			return err == nil && ok
		},
		gen.Identifier(),
	))

	properties.Property("artifacts do not verify against other metadata", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			artifact, err := prover.Compress(ctx, []byte(a))
			if err != nil {
				return false
			}
			ok, err := prover.Verify(ctx, artifact, []byte(b))
			return err == nil && !ok
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("tampered data does not verify", prop.ForAll(
		func(metadata string, idx int) bool {
			artifact, err := prover.Compress(ctx, []byte(metadata))
			if err != nil {
				return false
			}
			tampered := Artifact{Data: append([]byte(nil), artifact.Data...), Proof: artifact.Proof}
			i := idx % len(tampered.Data)
			tampered.Data[i] ^= 0xff
			ok, err := prover.Verify(ctx, tampered, []byte(metadata))
			return err == nil && !ok
		},
		gen.Identifier(),
		gen.IntRange(0, 1<<16),
	))

	properties.TestingRun(t)
}

func TestLocalProver_EmptyInputs(t *testing.T) {
	prover := NewLocalProver()

	_, err := prover.Compress(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidInput)

	ok, err := prover.Verify(context.Background(), Artifact{}, []byte("meta"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArtifact_Ratio(t *testing.T) {
	a := Artifact{Data: make([]byte, 25), Proof: []byte{1}}
	assert.InDelta(t, 0.25, a.Ratio(100), 1e-9)
	assert.Zero(t, a.Ratio(0))
}
