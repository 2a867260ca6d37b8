package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

// FakeGateway emulates a chain in memory for local runs. Transactions stay
// pending for PendingPolls status reads and then confirm.
type FakeGateway struct {
	PendingPolls int

	mu    sync.Mutex
	seq   uint64
	polls map[TxRef]int
}

func NewFakeGateway(pendingPolls int) *FakeGateway {
	return &FakeGateway{
		PendingPolls: pendingPolls,
		polls:        make(map[TxRef]int),
	}
}

func (f *FakeGateway) Submit(_ context.Context, tx MintTx) (TxRef, error) {
	if err := validateMintTx(tx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], f.seq)
	ref := TxRef(crypto.Keccak256Hash(tx.Recipient.Bytes(), tx.Data, tx.Proof, nonce[:]).Hex())
	f.polls[ref] = 0
	return ref, nil
}

func (f *FakeGateway) GetStatus(_ context.Context, ref TxRef) (TxStatus, error) {
	if _, err := parseTxRef(ref); err != nil {
		return TxStatus{}, fmt.Errorf("%w: %v", ErrTransientLookup, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.polls[ref]
	if !ok {
		return TxStatus{State: StatePending}, nil
	}
	n++
	f.polls[ref] = n
	if n <= f.PendingPolls {
		return TxStatus{State: StatePending}, nil
	}
	return TxStatus{State: StateConfirmed, BlockNumber: uint64(n)}, nil
}

func (f *FakeGateway) Ping(context.Context) error {
	return nil
}
