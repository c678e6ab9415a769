package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maraichr/gdr/internal/record"
	"github.com/maraichr/gdr/internal/store"
)

// State is the lifecycle position of a submission.
type State string

const (
	Unlocked       State = "UNLOCKED"
	Locked         State = "LOCKED"
	Validating     State = "VALIDATING"
	FailedUnlocked State = "FAILED_UNLOCKED"
	Stored         State = "STORED"
	FailedLocked   State = "FAILED_LOCKED"
)

// ErrInvalidTransition is returned for state changes the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid submission transition")

var transitions = map[State][]State{
	Unlocked:       {Locked},
	Locked:         {Validating, FailedUnlocked},
	Validating:     {Stored, FailedLocked, Locked},
	FailedUnlocked: {Locked},
	FailedLocked:   {Locked, Validating},
	Stored:         {Locked},
}

// Transition validates a state change. Re-uploading a manifest re-enters
// LOCKED from any state, and a failed submission may be validated again.
func Transition(from, to State) error {
	if from == to {
		return nil
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w %s -> %s", ErrInvalidTransition, from, to)
}

// Tracker persists submission states in the staging table. Every change is
// archived with the state it left.
type Tracker struct {
	store  *store.Store
	logger *slog.Logger
}

func NewTracker(s *store.Store, logger *slog.Logger) *Tracker {
	return &Tracker{store: s, logger: logger}
}

// Current returns the recorded state, Unlocked when none was recorded.
func (t *Tracker) Current(ctx context.Context, prefix string) (State, error) {
	st, err := store.GetAs[record.SubmissionStatus](ctx, t.store, t.store.Tables().Staging, record.SubmissionStatusKey(prefix))
	if err != nil {
		return "", err
	}
	if st == nil {
		return Unlocked, nil
	}
	return State(st.Value), nil
}

// Advance moves the submission to state to. Forbidden transitions return
// ErrInvalidTransition and leave the recorded state alone.
func (t *Tracker) Advance(ctx context.Context, prefix string, to State) error {
	from, err := t.Current(ctx, prefix)
	if err != nil {
		return err
	}
	if err := Transition(from, to); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	if from == to {
		return nil
	}
	st := record.SubmissionStatus{Key: record.SubmissionStatusKey(prefix), Value: string(to), Previous: string(from)}
	if err := t.store.Write(ctx, t.store.Tables().Staging, record.CreateUpdate, st); err != nil {
		return fmt.Errorf("record state of %s: %w", prefix, err)
	}
	t.logger.Info("submission state",
		slog.String("submission", NormalizePrefix(prefix)),
		slog.String("from", string(from)),
		slog.String("state", string(to)))
	return nil
}
