package mint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"zkmint/internal/ledger"
	"zkmint/internal/proofsvc"
)

const archiveTimeout = 5 * time.Second

var errArtifactRejected = errors.New("supplied artifact failed verification")

// Archive keeps snapshots of finished attempts once they leave memory.
// Get returns nil, nil for unknown ids.
type Archive interface {
	Save(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, id string) (*Snapshot, error)
}

// Options for creating an Orchestrator.
type Options struct {
	Prover  proofsvc.Prover
	Gateway ledger.Gateway
	Config  Config

	// Archive is optional. Without it finished attempts stay in memory.
	Archive Archive
	// Observers are subscribed to every attempt.
	Observers []Observer
	// DefaultRecipient receives tokens when StartMint is not given one.
	DefaultRecipient common.Address
	Logger           *slog.Logger
}

// Orchestrator runs mint attempts. Attempts are independent of each other and
// run concurrently; the prover and gateway are shared.
type Orchestrator struct {
	prover    proofsvc.Prover
	gateway   ledger.Gateway
	cfg       Config
	archive   Archive
	observers []Observer
	recipient common.Address
	logger    *slog.Logger

	// wait blocks for d or until ctx is done; replaced in tests.
	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	attempts map[string]*attempt
	closed   bool
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Prover == nil {
		return nil, errors.New("prover is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("ledger gateway is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		prover:     opts.Prover,
		gateway:    opts.Gateway,
		cfg:        opts.Config.withDefaults(),
		archive:    opts.Archive,
		observers:  append([]Observer(nil), opts.Observers...),
		recipient:  opts.DefaultRecipient,
		logger:     logger.With("component", "mint"),
		wait:       sleepCtx,
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		attempts:   make(map[string]*attempt),
	}, nil
}

// Config returns the effective configuration, defaults applied.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

type attemptOptions struct {
	id        string
	recipient common.Address
	artifact  *proofsvc.Artifact
	observers []Observer
}

// AttemptOption customises a single StartMint call.
type AttemptOption func(*attemptOptions)

// WithID sets the attempt id instead of generating one.
func WithID(id string) AttemptOption {
	return func(o *attemptOptions) { o.id = id }
}

func WithRecipient(addr common.Address) AttemptOption {
	return func(o *attemptOptions) { o.recipient = addr }
}

// WithArtifact re-supplies a previously obtained artifact. It is verified against
// the metadata instead of compressing again, and rejected if verification fails.
func WithArtifact(a proofsvc.Artifact) AttemptOption {
	a = a.Clone()
	return func(o *attemptOptions) { o.artifact = &a }
}

// WithObserver subscribes o before the attempt emits its first event.
func WithObserver(obs Observer) AttemptOption {
	return func(o *attemptOptions) { o.observers = append(o.observers, obs) }
}

// StartMint creates an attempt and runs it in the background, returning its id.
// Invalid input fails the attempt synchronously without contacting any service.
func (o *Orchestrator) StartMint(ctx context.Context, metadata []byte, opts ...AttemptOption) (string, error) {
	var ao attemptOptions
	for _, opt := range opts {
		opt(&ao)
	}
	id := ao.id
	if id == "" {
		id = uuid.NewString()
	}
	recipient := ao.recipient
	if recipient == (common.Address{}) {
		recipient = o.recipient
	}

	// Memory before archive: attempts are archived before they are evicted.
	if ao.id != "" && o.live(id) != nil {
		return id, ErrDuplicateAttempt
	}
	if ao.id != "" && o.archive != nil {
		archived, err := o.archive.Get(ctx, id)
		if err != nil {
			return "", fmt.Errorf("check archive: %w", err)
		}
		if archived != nil {
			return id, ErrDuplicateAttempt
		}
	}

	a := newAttempt(id, metadata, recipient, ao.artifact, o.now())
	runCtx, cancel := context.WithCancel(o.baseCtx)
	a.cancel = cancel

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return "", ErrShuttingDown
	}
	if _, exists := o.attempts[id]; exists {
		o.mu.Unlock()
		cancel()
		return id, ErrDuplicateAttempt
	}
	o.attempts[id] = a
	o.wg.Add(1)
	o.mu.Unlock()

	for _, obs := range o.observers {
		o.subscribe(a, obs)
	}
	for _, obs := range ao.observers {
		o.subscribe(a, obs)
	}

	var invalid *Failure
	switch {
	case len(metadata) == 0:
		invalid = failure(KindInvalidInput, OutcomeNone, "metadata is empty")
	case recipient == (common.Address{}):
		invalid = failure(KindInvalidInput, OutcomeNone, "recipient is required")
	}
	if invalid != nil {
		o.fail(a, invalid)
		o.finish(a)
		o.wg.Done()
		return id, nil
	}

	o.transition(a, StateCompressing, fmt.Sprintf("compressing %d bytes of metadata", len(metadata)), nil)
	go func() {
		defer o.wg.Done()
		o.execute(runCtx, a)
		o.finish(a)
	}()
	return id, nil
}

// Mint runs an attempt and blocks until it is terminal. If ctx ends first the
// attempt is cancelled and its final snapshot returned with ctx's error.
func (o *Orchestrator) Mint(ctx context.Context, metadata []byte, opts ...AttemptOption) (Snapshot, error) {
	id, err := o.StartMint(ctx, metadata, opts...)
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := o.Wait(ctx, id)
	if err == nil {
		return snap, nil
	}
	if ctx.Err() == nil {
		return snap, err
	}
	_ = o.Cancel(id)
	snap, _ = o.Wait(context.Background(), id)
	return snap, ctx.Err()
}

// Subscribe attaches obs to an attempt. Events already emitted are replayed first.
// For attempts that have left memory only the final state is delivered.
// The returned function detaches the observer.
func (o *Orchestrator) Subscribe(ctx context.Context, id string, obs Observer) (func(), error) {
	if a := o.live(id); a != nil {
		sub := o.subscribe(a, obs)
		return func() { a.unsubscribe(sub) }, nil
	}

	snap, err := o.archived(ctx, id)
	if err != nil {
		return nil, err
	}
	sub := newSubscriber(obs, []StatusEvent{finalEvent(snap)}, o.logger)
	return sub.cancel, nil
}

// Cancel stops an attempt's retries and polling and fails it with KindCancelled.
// A transaction already handed to the ledger is not withdrawn and may still confirm.
func (o *Orchestrator) Cancel(id string) error {
	a := o.live(id)
	if a == nil {
		o.mu.Lock()
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return ErrShuttingDown
		}
		if snap, err := o.archived(context.Background(), id); err == nil && snap.State.Terminal() {
			return ErrTerminal
		}
		return ErrNotFound
	}
	if a.state().Terminal() {
		return ErrTerminal
	}
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

// GetSnapshot returns a read-only copy of the attempt.
func (o *Orchestrator) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	if a := o.live(id); a != nil {
		return a.snapshot(), nil
	}
	return o.archived(ctx, id)
}

// Wait blocks until the attempt is terminal and returns its final snapshot.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Snapshot, error) {
	a := o.live(id)
	if a == nil {
		return o.archived(ctx, id)
	}
	select {
	case <-a.done:
		return a.snapshot(), nil
	case <-ctx.Done():
		return a.snapshot(), ctx.Err()
	}
}

// Shutdown cancels every live attempt and waits for them to reach a terminal state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) live(id string) *attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts[id]
}

func (o *Orchestrator) archived(ctx context.Context, id string) (Snapshot, error) {
	if o.archive == nil {
		return Snapshot{}, ErrNotFound
	}
	snap, err := o.archive.Get(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load archived attempt: %w", err)
	}
	if snap == nil {
		return Snapshot{}, ErrNotFound
	}
	return snap.clone(), nil
}

func (o *Orchestrator) subscribe(a *attempt, obs Observer) *subscriber {
	return a.subscribe(func(backlog []StatusEvent) *subscriber {
		return newSubscriber(obs, backlog, o.logger)
	})
}

// execute is the attempt's single logical sequence of steps.
func (o *Orchestrator) execute(ctx context.Context, a *attempt) {
	artifact, f := o.compress(ctx, a)
	if f != nil {
		o.fail(a, f)
		return
	}

	detail := fmt.Sprintf("artifact ready: %d bytes compressed to %d (ratio %.2f)",
		len(a.metadata), len(artifact.Data), artifact.Ratio(len(a.metadata)))
	if a.supplied != nil {
		detail = "supplied artifact verified"
	}
	o.transition(a, StateSubmitting, detail, func(s *Snapshot) {
		stored := artifact.Clone()
		s.Artifact = &stored
	})

	ref, f := o.submit(ctx, a, artifact)
	if f != nil {
		o.fail(a, f)
		return
	}
	o.transition(a, StatePending, fmt.Sprintf("transaction %s submitted", ref), func(s *Snapshot) {
		s.TxRef = ref
	})

	status, f := o.poll(ctx, a, ref)
	if f != nil {
		o.fail(a, f)
		return
	}
	detail = fmt.Sprintf("transaction %s confirmed in block %d", ref, status.BlockNumber)
	if status.TokenID != "" {
		detail += ", token " + status.TokenID
	}
	o.transition(a, StateConfirmed, detail, func(s *Snapshot) {
		s.TxStatus = &status
	})
}

// compress obtains a usable artifact, retrying unavailable-service failures with
// capped exponential backoff.
func (o *Orchestrator) compress(ctx context.Context, a *attempt) (proofsvc.Artifact, *Failure) {
	budgetCtx, cancel := context.WithTimeout(ctx, o.cfg.CompressionBudget)
	defer cancel()

	delay := o.cfg.BackoffBase
	var lastErr error
	for i := 1; i <= o.cfg.CompressionMaxAttempts; i++ {
		if ctx.Err() != nil {
			return proofsvc.Artifact{}, failure(KindCancelled, OutcomeNone, "cancelled before submission")
		}
		a.update(func(s *Snapshot) { s.CompressionAttempts = i })

		artifact, err := o.compressOnce(budgetCtx, a)
		if err == nil {
			return artifact, nil
		}
		if ctx.Err() != nil {
			return proofsvc.Artifact{}, failure(KindCancelled, OutcomeNone, "cancelled before submission")
		}
		if budgetCtx.Err() != nil {
			return proofsvc.Artifact{}, failure(KindProofServiceUnavailable, OutcomeNone,
				"compression budget of %s exhausted after %d attempts: %v", o.cfg.CompressionBudget, i, err)
		}

		switch {
		case errors.Is(err, proofsvc.ErrInvalidInput), errors.Is(err, errArtifactRejected):
			return proofsvc.Artifact{}, failure(KindInvalidInput, OutcomeNone, "%v", err)
		case errors.Is(err, proofsvc.ErrUnavailable):
			lastErr = err
		default:
			return proofsvc.Artifact{}, failure(KindProofServiceBadResponse, OutcomeNone, "%v", err)
		}

		if i == o.cfg.CompressionMaxAttempts {
			break
		}
		o.logger.Warn("proof service unavailable, retrying",
			"attempt_id", a.id, "attempt", i, "delay", delay, "error", err)
		if err := o.wait(budgetCtx, delay); err != nil {
			if ctx.Err() != nil {
				return proofsvc.Artifact{}, failure(KindCancelled, OutcomeNone, "cancelled before submission")
			}
			return proofsvc.Artifact{}, failure(KindProofServiceUnavailable, OutcomeNone,
				"compression budget of %s exhausted after %d attempts: %v", o.cfg.CompressionBudget, i, lastErr)
		}
		delay = nextBackoff(delay, o.cfg.BackoffCap)
	}

	return proofsvc.Artifact{}, failure(KindProofServiceUnavailable, OutcomeNone,
		"gave up after %d attempts: %v", o.cfg.CompressionMaxAttempts, lastErr)
}

func (o *Orchestrator) compressOnce(ctx context.Context, a *attempt) (proofsvc.Artifact, error) {
	if a.supplied != nil {
		ok, err := o.prover.Verify(ctx, *a.supplied, a.metadata)
		if err != nil {
			return proofsvc.Artifact{}, err
		}
		if !ok {
			return proofsvc.Artifact{}, errArtifactRejected
		}
		return *a.supplied, nil
	}

	artifact, err := o.prover.Compress(ctx, a.metadata)
	if err != nil {
		return proofsvc.Artifact{}, err
	}
	if artifact.Empty() {
		return proofsvc.Artifact{}, fmt.Errorf("%w: empty artifact", proofsvc.ErrBadResponse)
	}
	return artifact, nil
}

// submit sends exactly one transaction. Failures are never retried: the
// transaction may have reached the network.
func (o *Orchestrator) submit(ctx context.Context, a *attempt, artifact proofsvc.Artifact) (ledger.TxRef, *Failure) {
	if ctx.Err() != nil {
		return "", failure(KindCancelled, OutcomeNone, "cancelled before submission")
	}

	subCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmissionTimeout)
	defer cancel()

	snap := a.snapshot()
	a.markSubmitted()
	ref, err := o.gateway.Submit(subCtx, ledger.MintTx{
		Recipient: snap.Recipient,
		Data:      artifact.Data,
		Proof:     artifact.Proof,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", failure(KindCancelled, OutcomeUnknown,
				"cancelled during submission; the transaction may have been broadcast")
		}
		return "", failure(KindSubmission, OutcomeUnknown, "%v", err)
	}
	if ref == "" {
		return "", failure(KindSubmission, OutcomeUnknown, "ledger returned an empty transaction reference")
	}
	return ref, nil
}

// poll reads the transaction status until it is final. Only pending responses
// consume the poll budget; transient lookup errors are retried for free within
// the poll time budget.
func (o *Orchestrator) poll(ctx context.Context, a *attempt, ref ledger.TxRef) (ledger.TxStatus, *Failure) {
	pollCtx, cancel := context.WithTimeout(ctx, o.cfg.PollBudget)
	defer cancel()

	pending := 0
	for {
		if err := o.wait(pollCtx, o.cfg.PollInterval); err != nil {
			return ledger.TxStatus{}, o.pollInterrupted(ctx, ref, pending)
		}

		status, err := o.gateway.GetStatus(pollCtx, ref)
		if err != nil {
			if pollCtx.Err() != nil {
				return ledger.TxStatus{}, o.pollInterrupted(ctx, ref, pending)
			}
			a.update(func(s *Snapshot) { s.TransientLookups++ })
			o.logger.Warn("transient status lookup failure", "attempt_id", a.id, "tx", ref, "error", err)
			continue
		}

		switch status.State {
		case ledger.StateConfirmed:
			return status, nil
		case ledger.StateReverted:
			reason := status.Reason
			if reason == "" {
				reason = "execution reverted"
			}
			a.update(func(s *Snapshot) { s.TxStatus = &status })
			return ledger.TxStatus{}, failure(KindReverted, OutcomeFailed, "transaction %s reverted: %s", ref, reason)
		case ledger.StatePending:
			pending++
			a.update(func(s *Snapshot) {
				s.AttemptCount = pending
				s.TxStatus = &status
			})
			if pending >= o.cfg.PollMaxCount {
				return ledger.TxStatus{}, failure(KindPollTimeout, OutcomeUnknown,
					"transaction %s still pending after %d polls; its outcome is unknown", ref, pending)
			}
			o.transition(a, StatePending,
				fmt.Sprintf("poll %d/%d: transaction %s pending", pending, o.cfg.PollMaxCount, ref), nil)
		default:
			a.update(func(s *Snapshot) { s.TransientLookups++ })
			o.logger.Warn("unrecognised transaction state", "attempt_id", a.id, "tx", ref, "state", status.State)
		}
	}
}

func (o *Orchestrator) pollInterrupted(ctx context.Context, ref ledger.TxRef, pending int) *Failure {
	if ctx.Err() != nil {
		return failure(KindCancelled, OutcomeUnknown,
			"polling cancelled; transaction %s was submitted and may still confirm", ref)
	}
	return failure(KindPollTimeout, OutcomeUnknown,
		"poll budget of %s exhausted after %d pending polls; outcome of transaction %s is unknown",
		o.cfg.PollBudget, pending, ref)
}

func (o *Orchestrator) fail(a *attempt, f *Failure) {
	if f.Kind == KindCancelled && f.Outcome == OutcomeNone && a.wasSubmitted() {
		f.Outcome = OutcomeUnknown
	}
	o.transition(a, StateFailed, f.Message, func(s *Snapshot) {
		s.LastError = f
	})
}

// transition applies one state change and emits exactly one event. Nothing
// changes after a terminal state.
func (o *Orchestrator) transition(a *attempt, state State, detail string, mutate func(*Snapshot)) {
	a.mu.Lock()
	if a.snap.State.Terminal() {
		a.mu.Unlock()
		return
	}
	if mutate != nil {
		mutate(&a.snap)
	}
	now := o.now()
	a.snap.State = state
	a.snap.UpdatedAt = now

	e := StatusEvent{
		AttemptID:    a.id,
		Seq:          len(a.events) + 1,
		State:        state,
		Detail:       detail,
		TxRef:        a.snap.TxRef,
		PendingPolls: a.snap.AttemptCount,
		At:           now,
	}
	if a.snap.LastError != nil {
		f := *a.snap.LastError
		e.Failure = &f
	}
	a.events = append(a.events, e)
	for _, sub := range a.subscribers {
		sub.push(e)
	}
	a.mu.Unlock()

	if state == StateFailed {
		o.logger.Warn("mint attempt failed", "attempt_id", a.id, "detail", detail)
		return
	}
	o.logger.Info("mint attempt transition", "attempt_id", a.id, "state", state, "detail", detail)
}

// finish archives a terminal attempt and evicts it from memory once every
// subscriber has consumed the final event.
func (o *Orchestrator) finish(a *attempt) {
	if a.cancel != nil {
		a.cancel()
	}
	a.markDone()

	if o.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := o.archive.Save(ctx, a.snapshot()); err != nil {
		o.logger.Error("archive mint attempt", "attempt_id", a.id, "error", err)
		return
	}

	subs := a.subscriberList()
	go func() {
		for _, sub := range subs {
			<-sub.done
		}
		o.mu.Lock()
		delete(o.attempts, a.id)
		o.mu.Unlock()
	}()
}

func finalEvent(s Snapshot) StatusEvent {
	e := StatusEvent{
		AttemptID: s.ID,
		State:     s.State,
		TxRef:     s.TxRef,
		At:        s.UpdatedAt,
	}
	if s.LastError != nil {
		f := *s.LastError
		e.Failure = &f
		e.Detail = f.Message
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
