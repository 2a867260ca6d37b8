package mint

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"zkmint/internal/ledger"
	"zkmint/internal/proofsvc"
)

var testRecipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")

const testTxRef = ledger.TxRef("0x4444444444444444444444444444444444444444444444444444444444444444")

type stubProver struct {
	mu            sync.Mutex
	compressErrs  []error
	verifyResult  bool
	verifyErr     error
	compressCalls int
	verifyCalls   int
}

func (p *stubProver) Compress(_ context.Context, metadata []byte) (proofsvc.Artifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.compressCalls
	p.compressCalls++
	if idx < len(p.compressErrs) && p.compressErrs[idx] != nil {
		return proofsvc.Artifact{}, p.compressErrs[idx]
	}
	return proofsvc.Artifact{Data: append([]byte("c:"), metadata...), Proof: []byte("proof")}, nil
}

func (p *stubProver) Verify(context.Context, proofsvc.Artifact, []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verifyCalls++
	return p.verifyResult, p.verifyErr
}

func (p *stubProver) calls() (compress, verify int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.compressCalls, p.verifyCalls
}

// gatedProver blocks in Compress until release is closed and records the
// metadata it compressed.
type gatedProver struct {
	stubProver
	entered chan struct{}
	release chan struct{}

	seenMu sync.Mutex
	seen   []byte
}

func newGatedProver() *gatedProver {
	return &gatedProver{entered: make(chan struct{}), release: make(chan struct{})}
}

func (p *gatedProver) Compress(ctx context.Context, md []byte) (proofsvc.Artifact, error) {
	close(p.entered)
	<-p.release
	p.seenMu.Lock()
	p.seen = append([]byte(nil), md...)
	p.seenMu.Unlock()
	return p.stubProver.Compress(ctx, md)
}

func (p *gatedProver) compressed() []byte {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	return p.seen
}

type statusStep struct {
	status ledger.TxStatus
	err    error
}

var (
	pendingStep   = statusStep{status: ledger.TxStatus{State: ledger.StatePending}}
	confirmedStep = statusStep{status: ledger.TxStatus{State: ledger.StateConfirmed, BlockNumber: 9}}
	lookupErrStep = statusStep{err: ledger.ErrTransientLookup}
)

// stubGateway replays scripted status responses; the last step repeats.
type stubGateway struct {
	mu          sync.Mutex
	submitErr   error
	steps       []statusStep
	submitCalls int
	statusCalls int
	submitted   []ledger.MintTx
	polled      chan struct{}
}

func (g *stubGateway) Submit(_ context.Context, tx ledger.MintTx) (ledger.TxRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitCalls++
	g.submitted = append(g.submitted, tx)
	if g.submitErr != nil {
		return "", g.submitErr
	}
	return testTxRef, nil
}

func (g *stubGateway) GetStatus(context.Context, ledger.TxRef) (ledger.TxStatus, error) {
	g.mu.Lock()
	idx := g.statusCalls
	g.statusCalls++
	step := pendingStep
	if len(g.steps) > 0 {
		if idx >= len(g.steps) {
			idx = len(g.steps) - 1
		}
		step = g.steps[idx]
	}
	polled := g.polled
	g.mu.Unlock()

	if polled != nil {
		select {
		case polled <- struct{}{}:
		default:
		}
	}
	return step.status, step.err
}

func (g *stubGateway) calls() (submit, status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submitCalls, g.statusCalls
}

// recorder collects events and closes done on the terminal one.
type recorder struct {
	mu     sync.Mutex
	events []StatusEvent
	done   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) OnStatus(e StatusEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	if e.State.Terminal() {
		close(r.done)
	}
}

func (r *recorder) wait(t *testing.T) []StatusEvent {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal event")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusEvent(nil), r.events...)
}

func states(events []StatusEvent) []State {
	out := make([]State, 0, len(events))
	for _, e := range events {
		out = append(out, e.State)
	}
	return out
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayRecorder) wait(ctx context.Context, dur time.Duration) error {
	d.mu.Lock()
	d.delays = append(d.delays, dur)
	d.mu.Unlock()
	return ctx.Err()
}

func (d *delayRecorder) recorded() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delays...)
}

type memArchive struct {
	mu   sync.Mutex
	data map[string]Snapshot
}

func newMemArchive() *memArchive {
	return &memArchive{data: make(map[string]Snapshot)}
}

func (m *memArchive) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[snap.ID] = snap
	return nil
}

func (m *memArchive) Get(_ context.Context, id string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.data[id]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func testConfig() Config {
	return Config{
		CompressionMaxAttempts: 3,
		BackoffBase:            time.Millisecond,
		BackoffCap:             4 * time.Millisecond,
		PollInterval:           time.Millisecond,
		PollMaxCount:           5,
		SubmissionTimeout:      time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, prover proofsvc.Prover, gw ledger.Gateway, cfg Config, archive Archive) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Prover:           prover,
		Gateway:          gw,
		Config:           cfg,
		Archive:          archive,
		DefaultRecipient: testRecipient,
		Logger:           discardLogger(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	o.wait = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}
