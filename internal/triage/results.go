package triage

import (
	"errors"

	"github.com/pders01/feedtriage/internal/storage"
)

var (
	ErrInvalidAction    = errors.New("invalid action")
	ErrInvalidPartition = errors.New("invalid partition")
	ErrMissingActor     = errors.New("actor id required")
	ErrFeedExists       = errors.New("feed already exists")
	ErrInvalidPriority  = errors.New("priority must be within 0..10")
)

// Outcome describes how a race between actors was settled. Losing a race
// is a normal outcome, not an error.
type Outcome string

const (
	OutcomeResolved        Outcome = "resolved"
	OutcomeAlreadyResolved Outcome = "already_resolved"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeUndone          Outcome = "undone"
	OutcomeNothingToUndo   Outcome = "nothing_to_undo"
	OutcomeUndoConflict    Outcome = "undo_conflict"
)

type ResolutionResult struct {
	Outcome    Outcome             `json:"outcome"`
	ItemID     int64               `json:"item_id"`
	Resolution *storage.Resolution `json:"resolution,omitempty"`
	// Delivery is the alert delivery opened by this resolution, if any.
	Delivery *storage.DeliveryRecord `json:"delivery,omitempty"`
}

type UndoResult struct {
	Outcome Outcome `json:"outcome"`
	ItemID  int64   `json:"item_id"`
	// Reverted is the resolution that was removed.
	Reverted *storage.Resolution `json:"reverted,omitempty"`
}

type SkipAllResult struct {
	Partition storage.Partition `json:"partition,omitempty"`
	Skipped   int               `json:"skipped"`
}
