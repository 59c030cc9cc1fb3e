// Package triage is the shared work queue: actors pull the oldest pending
// item of a partition and resolve it as alert, digest or skip. All
// arbitration between actors happens in single conditional store writes.
package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pders01/feedtriage/internal/debuglog"
	"github.com/pders01/feedtriage/internal/storage"
	"github.com/pders01/feedtriage/internal/validation"
)

// AlertSink receives delivery records opened by alert resolutions. Enqueue
// must not block on the delivery itself.
type AlertSink interface {
	Enqueue(rec *storage.DeliveryRecord)
}

// ItemRemover is told when items disappear with their feed.
type ItemRemover interface {
	OnItemsRemoved(ids []int64)
}

type Service struct {
	store     storage.Store
	validator *validation.SafetyValidator
	alerts    AlertSink
	removers  []ItemRemover
	now       func() time.Time
}

type Option func(*Service)

// WithAlertSink routes alert deliveries to sink.
func WithAlertSink(sink AlertSink) Option {
	return func(s *Service) { s.alerts = sink }
}

func WithItemRemover(r ItemRemover) Option {
	return func(s *Service) { s.removers = append(s.removers, r) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store storage.Store, v *validation.SafetyValidator, opts ...Option) *Service {
	s := &Service{store: store, validator: v, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func checkActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return ErrMissingActor
	}
	return nil
}

// Next returns the oldest pending item in partition, or nil when the
// partition is empty. Concurrent callers may be shown the same item; the
// first to resolve it wins.
func (s *Service) Next(ctx context.Context, partition storage.Partition, actor string) (*storage.Item, error) {
	if _, err := storage.ParsePartition(string(partition)); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPartition, partition)
	}
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	item, err := s.store.NextPending(ctx, partition)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next item: %w", err)
	}
	return item, nil
}

// Resolve moves a pending item to resolved. Exactly one of any number of
// concurrent callers gets OutcomeResolved. An alert resolution hands the new
// delivery record to the alert sink and returns without waiting for it.
func (s *Service) Resolve(ctx context.Context, itemID int64, actor string, action storage.Action) (*ResolutionResult, error) {
	if _, err := storage.ParseAction(string(action)); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if err := checkActor(actor); err != nil {
		return nil, err
	}

	res := &storage.Resolution{ItemID: itemID, ActorID: actor, Action: action, ResolvedAt: s.now().UTC()}
	log := debuglog.WithFields(debuglog.Fields{"item": itemID, "actor": actor, "action": action})

	rec, err := s.store.Resolve(ctx, res)
	switch {
	case errors.Is(err, storage.ErrAlreadyResolved):
		log.Debugf("item already resolved")
		return &ResolutionResult{Outcome: OutcomeAlreadyResolved, ItemID: itemID}, nil
	case errors.Is(err, storage.ErrNotFound):
		log.Debugf("item not found")
		return &ResolutionResult{Outcome: OutcomeNotFound, ItemID: itemID}, nil
	case err != nil:
		return nil, fmt.Errorf("resolving item %d: %w", itemID, err)
	}

	log.Infof("item resolved")
	if rec != nil && s.alerts != nil {
		s.alerts.Enqueue(rec)
	}
	return &ResolutionResult{Outcome: OutcomeResolved, ItemID: itemID, Resolution: res, Delivery: rec}, nil
}

// SkipAll resolves every pending item in partition as skip, or in every
// partition when partition is empty.
func (s *Service) SkipAll(ctx context.Context, partition storage.Partition, actor string) (*SkipAllResult, error) {
	if partition != "" {
		if _, err := storage.ParsePartition(string(partition)); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPartition, partition)
		}
	}
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	n, err := s.store.SkipAll(ctx, partition, actor, s.now().UTC())
	if err != nil {
		return nil, err
	}
	debuglog.WithFields(debuglog.Fields{"actor": actor, "partition": partition}).Infof("skipped %d items", n)
	return &SkipAllResult{Partition: partition, Skipped: n}, nil
}

// Undo reverts actor's resolution of itemID and returns the item to the
// queue. Only the resolving actor may undo. A pending alert delivery is
// cancelled; one already delivered stays delivered.
func (s *Service) Undo(ctx context.Context, itemID int64, actor string) (*UndoResult, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	log := debuglog.WithFields(debuglog.Fields{"item": itemID, "actor": actor})

	reverted, err := s.store.Revert(ctx, itemID, actor)
	switch {
	case errors.Is(err, storage.ErrNothingToUndo), errors.Is(err, storage.ErrNotFound):
		log.Debugf("nothing to undo")
		return &UndoResult{Outcome: OutcomeNothingToUndo, ItemID: itemID}, nil
	case errors.Is(err, storage.ErrUndoConflict):
		log.Debugf("item now resolved by another actor")
		return &UndoResult{Outcome: OutcomeUndoConflict, ItemID: itemID}, nil
	case err != nil:
		return nil, fmt.Errorf("undoing item %d: %w", itemID, err)
	}

	log.Infof("undid %s", reverted.Action)
	return &UndoResult{Outcome: OutcomeUndone, ItemID: itemID, Reverted: reverted}, nil
}

// UndoLast undoes actor's most recent resolution. It is a single step:
// after an undo there is nothing further to undo until the actor resolves
// again.
func (s *Service) UndoLast(ctx context.Context, actor string) (*UndoResult, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	itemID, err := s.store.LastResolvedBy(ctx, actor)
	if errors.Is(err, storage.ErrNothingToUndo) {
		return &UndoResult{Outcome: OutcomeNothingToUndo}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up last resolution: %w", err)
	}
	return s.Undo(ctx, itemID, actor)
}

func (s *Service) Item(ctx context.Context, id int64) (*storage.Item, error) {
	return s.store.GetItem(ctx, id)
}

// Stats returns the operator metrics view.
func (s *Service) Stats(ctx context.Context) (*storage.Stats, error) {
	return s.store.Stats(ctx)
}
