package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"colonytally/internal/infra/persistence/memory"
	"colonytally/internal/journal"
	"colonytally/pkg/aggregate"
	"colonytally/pkg/domain"
)

// Journal records the plans of committed transactions.
type Journal interface {
	Append(ctx context.Context, operation string, plans []aggregate.Plan) (journal.Entry, bool, error)
}

// Service exposes transactional record operations that keep every registered
// aggregate in step with its children.
type Service struct {
	store   PersistentStore
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	journal Journal
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsRecorder sets the metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithJournal records every committed non-empty plan.
func WithJournal(j Journal) Option {
	return func(s *Service) {
		if j != nil {
			s.journal = j
		}
	}
}

// WithClock overrides the clock used for timings and, when the store
// supports it, record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type clockSetter interface {
	SetNowFunc(func() time.Time)
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		logger:  noopLogger{},
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if cs, ok := store.(clockSetter); ok {
		cs.SetNowFunc(s.now)
	}
	return s
}

// NewInMemoryService creates a service over an in-memory store.
func NewInMemoryService(engine *RulesEngine, tracker *aggregate.Tracker, opts ...Option) *Service {
	return NewService(memory.NewStore(engine, tracker), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// Tracker returns the tracker maintained by the store.
func (s *Service) Tracker() *aggregate.Tracker {
	return s.store.Tracker()
}

// run wraps one operation with tracing, metrics, logging and journaling.
func (s *Service) run(ctx context.Context, op string, fn func(context.Context) (Result, error)) (Result, error) {
	ctx, span := s.tracer.Start(ctx, op)
	started := s.now()
	res, err := fn(ctx)
	elapsed := s.now().Sub(started)
	s.metrics.Observe(ctx, op, err == nil, elapsed)
	span.End(err)
	for _, v := range res.Violations {
		s.logger.Warn("rule violation", "op", op, "rule", v.Rule, "severity", v.Severity, "entity", v.Entity, "id", v.EntityID, "message", v.Message)
	}
	if err != nil {
		s.logger.Error("operation failed", "op", op, "error", err, "duration", elapsed)
		return res, err
	}
	entries := 0
	for _, p := range res.Plans {
		entries += p.Len()
	}
	s.logger.Debug("operation committed", "op", op, "plans", len(res.Plans), "entries", entries, "duration", elapsed)
	if pr, ok := s.metrics.(PlanRecorder); ok && entries > 0 {
		pr.ObservePlans(ctx, op, res.Plans)
	}
	if s.journal != nil && entries > 0 {
		if entry, ok, jerr := s.journal.Append(ctx, op, res.Plans); jerr != nil {
			s.logger.Error("journal append failed", "op", op, "error", jerr)
		} else if ok {
			s.logger.Debug("journaled plans", "op", op, "entry", entry.ID)
		}
	}
	return res, nil
}

// CreateRecord persists a new record and updates the aggregates it feeds.
func (s *Service) CreateRecord(ctx context.Context, r Record) (Record, Result, error) {
	var created Record
	res, err := s.run(ctx, "create_record", func(ctx context.Context) (Result, error) {
		return s.store.RunInTransaction(ctx, func(tx Transaction) error {
			var err error
			created, err = tx.CreateRecord(r)
			return err
		})
	})
	return created, res, err
}

// UpdateRecord mutates a record using the provided mutator.
func (s *Service) UpdateRecord(ctx context.Context, id string, mutator func(*Record) error) (Record, Result, error) {
	var updated Record
	res, err := s.run(ctx, "update_record", func(ctx context.Context) (Result, error) {
		return s.store.RunInTransaction(ctx, func(tx Transaction) error {
			var err error
			updated, err = tx.UpdateRecord(id, mutator)
			return err
		})
	})
	return updated, res, err
}

// DeleteRecord removes a record, cascading to the children named by cascade.
func (s *Service) DeleteRecord(ctx context.Context, id string, cascade ...Reference) (Result, error) {
	return s.run(ctx, "delete_record", func(ctx context.Context) (Result, error) {
		return s.store.RunInTransaction(ctx, func(tx Transaction) error {
			return tx.DeleteRecord(id, cascade...)
		})
	})
}

// Refresh recomputes every aggregate stored on ref. The returned result
// carries a plan of Set entries for the fields that changed.
func (s *Service) Refresh(ctx context.Context, ref ParentRef) (Record, Result, error) {
	var refreshed Record
	res, err := s.run(ctx, "refresh", func(ctx context.Context) (Result, error) {
		var correction aggregate.Plan
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			before, ok := tx.FindRecord(ref.ID)
			if !ok {
				return fmt.Errorf("%w: %s", domain.ErrNotFound, ref)
			}
			var err error
			refreshed, err = tx.Refresh(ref)
			if err != nil {
				return err
			}
			correction = corrections(s.Tracker(), before, refreshed)
			return nil
		})
		if err == nil && !correction.Empty() {
			res.Plans = append([]aggregate.Plan{correction}, res.Plans...)
		}
		return res, err
	})
	return refreshed, res, err
}

// corrections lists the aggregate fields Refresh changed as Set entries.
// Fields cleared to unset are reported as Set(0).
func corrections(tracker *aggregate.Tracker, before, after Record) aggregate.Plan {
	var entries []aggregate.Entry
	for _, spec := range tracker.Registry().ForParent(string(after.Type)) {
		old, oldSet, _ := before.Int(spec.Field)
		next, nextSet, _ := after.Int(spec.Field)
		if old == next && oldSet == nextSet {
			continue
		}
		entries = append(entries, aggregate.Entry{Parent: after.Ref(), Field: spec.Field, Delta: aggregate.Set(next), Spec: spec})
	}
	return aggregate.NewPlan(entries...)
}

// Verify recomputes every registered aggregate on every stored parent and
// returns the parents whose stored value disagrees. Specs are checked in
// parallel against one consistent snapshot.
func (s *Service) Verify(ctx context.Context) ([]Drift, error) {
	var drifts []Drift
	_, err := s.run(ctx, "verify", func(ctx context.Context) (Result, error) {
		specs := s.Tracker().Registry().Specs()
		perSpec := make([][]Drift, len(specs))
		err := s.store.View(ctx, func(view TransactionView) error {
			g, gctx := errgroup.WithContext(ctx)
			for i, spec := range specs {
				i, spec := i, spec
				g.Go(func() error {
					out, err := verifySpec(gctx, view, spec)
					perSpec[i] = out
					return err
				})
			}
			return g.Wait()
		})
		if err != nil {
			return Result{}, err
		}
		for _, d := range perSpec {
			drifts = append(drifts, d...)
		}
		sort.SliceStable(drifts, func(i, j int) bool {
			if drifts[i].Parent != drifts[j].Parent {
				return drifts[i].Parent.String() < drifts[j].Parent.String()
			}
			return drifts[i].Field < drifts[j].Field
		})
		return Result{}, nil
	})
	if err != nil {
		return nil, err
	}
	for _, d := range drifts {
		s.logger.Warn("aggregate drift", "aggregate", d.Aggregate, "parent", d.Parent.String(), "stored", formatOptional(d.Stored), "expected", formatOptional(d.Expected))
	}
	if dr, ok := s.metrics.(DriftRecorder); ok {
		dr.ObserveDrift(ctx, drifts)
	}
	return drifts, nil
}

// Plan computes the plans the given events would produce against the
// committed state without applying them. Events are planned independently.
func (s *Service) Plan(ctx context.Context, events []aggregate.Event) ([]aggregate.Plan, error) {
	var plans []aggregate.Plan
	_, err := s.run(ctx, "plan", func(ctx context.Context) (Result, error) {
		return Result{}, s.store.View(ctx, func(view TransactionView) error {
			var err error
			plans, err = s.Tracker().PlanAll(ctx, events, viewProvider{view: view})
			return err
		})
	})
	return plans, err
}
