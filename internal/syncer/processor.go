package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feltworks/routesync/internal/connectivity"
	"github.com/feltworks/routesync/internal/outbox"
	"github.com/feltworks/routesync/internal/remote"
	"github.com/feltworks/routesync/internal/session"
	"go.uber.org/zap"
)

const (
	defaultBatchSize   = 20
	defaultWorkers     = 4
	defaultInterval    = time.Minute
	defaultBackoffBase = 30 * time.Second
	defaultRetention   = 7 * 24 * time.Hour
	sweepEvery         = 24 * time.Hour
)

var (
	errMissingOutbox   = errors.New("outbox service is required")
	errMissingDocs     = errors.New("document store is required")
	errMissingSessions = errors.New("session state is required")
	noOpLogger         = zap.NewNop()
)

// ErrPassInFlight means a pass was requested while a previous one is running.
var ErrPassInFlight = errors.New("syncer: pass already in flight")

// ProcessorConfig describes the dependencies and tunables of the processor.
type ProcessorConfig struct {
	Outbox       *outbox.Service
	Documents    remote.DocumentStore
	Sessions     *session.State
	Connectivity *connectivity.Monitor
	Clock        func() time.Time
	Logger       *zap.Logger
	BatchSize    int
	Workers      int
	Interval     time.Duration
	BackoffBase  time.Duration
	RetentionAge time.Duration
}

// PassResult summarizes one drain pass.
type PassResult struct {
	Attempted int
	Delivered int
	Retried   int
	Failed    int
}

// Processor drains the outbox against the remote document store while the
// session is ONLINE. Exactly one pass runs at a time: overlap would break the
// per-entity delivery order retries rely on.
type Processor struct {
	outbox       *outbox.Service
	documents    remote.DocumentStore
	sessions     *session.State
	connectivity *connectivity.Monitor
	clock        func() time.Time
	logger       *zap.Logger

	batchSize    int
	workers      int
	interval     time.Duration
	backoffBase  time.Duration
	retentionAge time.Duration

	inFlight   atomic.Bool
	kick       chan struct{}
	lastSweepS atomic.Int64
}

// NewProcessor constructs the sync processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Outbox == nil {
		return nil, errMissingOutbox
	}
	if cfg.Documents == nil {
		return nil, errMissingDocs
	}
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	retentionAge := cfg.RetentionAge
	if retentionAge <= 0 {
		retentionAge = defaultRetention
	}
	return &Processor{
		outbox:       cfg.Outbox,
		documents:    cfg.Documents,
		sessions:     cfg.Sessions,
		connectivity: cfg.Connectivity,
		clock:        clock,
		logger:       logger,
		batchSize:    batchSize,
		workers:      workers,
		interval:     interval,
		backoffBase:  backoffBase,
		retentionAge: retentionAge,
		kick:         make(chan struct{}, 1),
	}, nil
}

// Kick requests a pass without waiting for the next tick. Non-blocking;
// callers fire it after every local enqueue and on connectivity regained.
func (p *Processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run drives recurring passes until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	var connectivityEdges <-chan bool
	if p.connectivity != nil {
		stream, cancel := p.connectivity.Subscribe(ctx)
		defer cancel()
		connectivityEdges = stream
	}
	sessionEdges, cancelSessions := p.sessions.Subscribe(ctx)
	defer cancelSessions()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		case online := <-connectivityEdges:
			if !online {
				continue
			}
		case snapshot := <-sessionEdges:
			if !snapshot.Active || snapshot.Session.Mode != session.ModeOnline {
				continue
			}
		}
		if _, err := p.RunPass(ctx); err != nil && !errors.Is(err, ErrPassInFlight) {
			p.logger.Error("sync pass failed", zap.Error(err))
		}
	}
}

func (p *Processor) gateOpen() bool {
	snapshot := p.sessions.Current()
	return snapshot.Active && snapshot.Session.Mode == session.ModeOnline
}

// RunPass drains one batch. It returns without touching the outbox when the
// session is absent or OFFLINE, and refuses to overlap a running pass.
func (p *Processor) RunPass(ctx context.Context) (PassResult, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return PassResult{}, ErrPassInFlight
	}
	defer p.inFlight.Store(false)

	if !p.gateOpen() {
		return PassResult{}, nil
	}

	now := p.clock().UTC()
	pending, err := p.outbox.PeekPending(ctx, p.batchSize, now)
	if err != nil {
		return PassResult{}, err
	}
	if len(pending) == 0 {
		p.maybeSweep(ctx, now)
		return PassResult{}, nil
	}

	groups := groupByEntity(pending)
	result := p.deliverGroups(ctx, groups)

	p.logger.Info("sync pass finished",
		zap.Int("attempted", result.Attempted),
		zap.Int("delivered", result.Delivered),
		zap.Int("retried", result.Retried),
		zap.Int("failed", result.Failed))

	p.maybeSweep(ctx, now)
	return result, nil
}

type entityGroup struct {
	operations []outbox.Operation
}

// groupByEntity splits a batch into per-entity groups, preserving enqueue
// order inside each group. Different entities carry no cross-document
// invariant and may be delivered concurrently.
func groupByEntity(operations []outbox.Operation) []entityGroup {
	index := make(map[string]int)
	groups := make([]entityGroup, 0, len(operations))
	for _, operation := range operations {
		key := operation.EntityType + "\x00" + operation.EntityID
		position, exists := index[key]
		if !exists {
			index[key] = len(groups)
			groups = append(groups, entityGroup{})
			position = len(groups) - 1
		}
		groups[position].operations = append(groups[position].operations, operation)
	}
	return groups
}

func (p *Processor) deliverGroups(ctx context.Context, groups []entityGroup) PassResult {
	workerCount := p.workers
	if workerCount > len(groups) {
		workerCount = len(groups)
	}

	var mu sync.Mutex
	var result PassResult
	work := make(chan entityGroup)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range work {
				partial := p.deliverGroup(ctx, group)
				mu.Lock()
				result.Attempted += partial.Attempted
				result.Delivered += partial.Delivered
				result.Retried += partial.Retried
				result.Failed += partial.Failed
				mu.Unlock()
			}
		}()
	}
	for _, group := range groups {
		work <- group
	}
	close(work)
	wg.Wait()
	return result
}

// deliverGroup applies one entity's operations in enqueue order. A transient
// failure stops the group for this pass so a later operation can never
// overtake the one that failed.
func (p *Processor) deliverGroup(ctx context.Context, group entityGroup) PassResult {
	var result PassResult
	for _, operation := range group.operations {
		if ctx.Err() != nil || !p.gateOpen() {
			return result
		}
		result.Attempted++

		err := p.deliver(ctx, operation)
		if err == nil {
			if markErr := p.outbox.MarkCompleted(ctx, operation.ID); markErr != nil {
				p.logger.Error("mark completed failed",
					zap.Int64("operation_id", operation.ID), zap.Error(markErr))
			}
			result.Delivered++
			continue
		}

		if remote.IsStructural(err) {
			result.Failed++
			p.logger.Error("operation permanently failed",
				zap.Int64("operation_id", operation.ID),
				zap.String("operation_key", operation.OperationKey),
				zap.String("entity_type", operation.EntityType),
				zap.String("entity_id", operation.EntityID),
				zap.String("op", string(operation.Op)),
				zap.Error(err))
			if markErr := p.outbox.MarkPermanentlyFailed(ctx, operation.ID, err.Error()); markErr != nil {
				p.logger.Error("mark failed failed",
					zap.Int64("operation_id", operation.ID), zap.Error(markErr))
			}
			// A structurally dead head would otherwise block its entity
			// forever; later siblings get their chance next pass.
			continue
		}

		result.Retried++
		retryCount := operation.RetryCount + 1
		nextAttempt := p.clock().UTC().Add(backoffDelay(p.backoffBase, retryCount))
		p.logger.Warn("operation delivery failed, will retry",
			zap.Int64("operation_id", operation.ID),
			zap.String("entity_type", operation.EntityType),
			zap.String("entity_id", operation.EntityID),
			zap.Int("retry_count", retryCount),
			zap.Time("next_attempt", nextAttempt),
			zap.Error(err))
		if markErr := p.outbox.MarkFailed(ctx, operation.ID, retryCount, nextAttempt, err.Error()); markErr != nil {
			p.logger.Error("mark retry failed",
				zap.Int64("operation_id", operation.ID), zap.Error(markErr))
		}
		return result
	}
	return result
}

func (p *Processor) deliver(ctx context.Context, operation outbox.Operation) error {
	switch operation.Op {
	case outbox.OperationCreateOrUpdate:
		return p.documents.Upsert(ctx, operation.EntityType, operation.EntityID, operation.PayloadJSON)
	case outbox.OperationDelete:
		return p.documents.Delete(ctx, operation.EntityType, operation.EntityID)
	default:
		return remote.NewError(remote.KindStructural, "deliver",
			fmt.Errorf("unknown operation type %q", operation.Op))
	}
}

// maybeSweep runs the retention sweep at most once per day.
func (p *Processor) maybeSweep(ctx context.Context, now time.Time) {
	last := p.lastSweepS.Load()
	if last != 0 && now.Unix()-last < int64(sweepEvery/time.Second) {
		return
	}
	if !p.lastSweepS.CompareAndSwap(last, now.Unix()) {
		return
	}
	if _, err := p.outbox.PurgeSettled(ctx, now.Add(-p.retentionAge)); err != nil {
		p.logger.Error("retention sweep failed", zap.Error(err))
	}
}
