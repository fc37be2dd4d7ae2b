package enc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/carebridge/carestore/internal/kv"
	"github.com/carebridge/carestore/internal/meta"
	"github.com/carebridge/carestore/internal/metrics"
)

// ErrRotationInProgress is returned by Start when a previous rotation has not
// finished; call Resume instead.
var ErrRotationInProgress = errors.New("enc: rotation already in progress")

// Rotator re-encrypts every encrypted collection under a candidate key as a
// resumable saga. State is persisted after each collection finishes, so a
// crash resumes from the first collection not yet done — collection
// granularity, not record granularity.
type Rotator struct {
	store   *kv.Store
	meta    *meta.Store
	keys    *Keyring
	log     zerolog.Logger
	metrics *metrics.Set
}

// NewRotator wires a rotator over the store, meta store, and keyring.
func NewRotator(store *kv.Store, ms *meta.Store, keys *Keyring, log zerolog.Logger, m *metrics.Set) *Rotator {
	if m == nil {
		m = metrics.Nop()
	}
	return &Rotator{store: store, meta: ms, keys: keys, log: log, metrics: m}
}

// Start generates a candidate key, persists the in-progress state, and runs
// the rotation to completion.
func (r *Rotator) Start(ctx context.Context) error {
	if state, ok, err := r.meta.RotationState(ctx); err != nil {
		return err
	} else if ok && state.Status == meta.RotationInProgress {
		return ErrRotationInProgress
	}
	if _, err := r.keys.GenerateCandidate(); err != nil {
		return err
	}
	state := meta.RotationState{
		Status:    meta.RotationInProgress,
		StartedAt: time.Now().UTC(),
		Completed: []string{},
	}
	if err := r.meta.SetRotationState(ctx, state); err != nil {
		return err
	}
	r.log.Info().Msg("key rotation started")
	return r.run(ctx, state)
}

// ResumeInterrupted continues a rotation left unfinished by a crash. It
// re-registers the candidate cipher for collections already done, then
// processes the complement. Returns false when there is nothing to resume.
func (r *Rotator) ResumeInterrupted(ctx context.Context) (bool, error) {
	state, ok, err := r.meta.RotationState(ctx)
	if err != nil {
		return false, err
	}
	if !ok || state.Status != meta.RotationInProgress {
		return false, nil
	}
	if !r.keys.HasCandidate() {
		// Promote discards the candidate before the checkpoint is cleared, so
		// a kill between the two leaves this state behind. When every
		// encrypted collection is checkpointed the rotation in fact finished
		// under the now-active key; anything short of that is a damaged
		// keyring.
		for _, collection := range r.store.EncryptedCollections() {
			if !state.Done(collection) {
				return true, fmt.Errorf("enc: rotation state persisted but %w", ErrNoCandidate)
			}
		}
		if err := r.meta.ClearRotationState(ctx); err != nil {
			return true, err
		}
		r.log.Info().Int("collections", len(state.Completed)).
			Msg("cleared checkpoint of rotation that finished before the crash")
		return true, nil
	}
	next, err := r.keys.CandidateCipher()
	if err != nil {
		return true, err
	}
	for _, collection := range state.Completed {
		if err := r.store.SetCipher(collection, next); err != nil {
			return true, err
		}
	}
	r.log.Warn().Int("completed", len(state.Completed)).Msg("resuming interrupted key rotation")
	return true, r.run(ctx, state)
}

// Status returns the persisted rotation checkpoint, if any.
func (r *Rotator) Status(ctx context.Context) (meta.RotationState, bool, error) {
	return r.meta.RotationState(ctx)
}

func (r *Rotator) run(ctx context.Context, state meta.RotationState) error {
	next, err := r.keys.CandidateCipher()
	if err != nil {
		return err
	}
	for _, collection := range r.store.EncryptedCollections() {
		if state.Done(collection) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.store.ReencryptCollection(ctx, collection, next)
		if err != nil {
			return fmt.Errorf("enc: rotate %s: %w", collection, err)
		}
		if err := r.store.SetCipher(collection, next); err != nil {
			return err
		}
		state.Completed = append(state.Completed, collection)
		if err := r.meta.SetRotationState(ctx, state); err != nil {
			return err
		}
		r.log.Info().Str("collection", collection).Int("records", n).Msg("collection re-encrypted")
	}
	if err := r.keys.Promote(); err != nil {
		return err
	}
	if err := r.meta.ClearRotationState(ctx); err != nil {
		return err
	}
	r.metrics.RotationsDone.Inc()
	r.log.Info().Int("collections", len(state.Completed)).Msg("key rotation completed")
	return nil
}
