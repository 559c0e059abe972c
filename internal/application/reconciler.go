package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/rs/zerolog"
)

// Mutation is one optimistic user action. Check runs before anything is
// touched; Capture snapshots what Apply is about to change; Commit talks to
// the server; Revert puts the snapshot back when Commit fails.
type Mutation[S any] struct {
	Name    string
	Check   func() error
	Capture func() S
	Apply   func()
	Commit  func(ctx context.Context) error
	Revert  func(S)
}

// Reconcile runs m and reports the outcome. A panicking Commit counts as a
// failed one.
func Reconcile[S any](ctx context.Context, log zerolog.Logger, m Mutation[S]) domain.Result {
	if m.Check != nil {
		if err := m.Check(); err != nil {
			return domain.ResultOf(err)
		}
	}

	snapshot := m.Capture()
	m.Apply()

	if err := commit(ctx, m.Commit); err != nil {
		m.Revert(snapshot)
		log.Warn().Err(err).Str("mutation", m.Name).Msg("rolled back optimistic update")
		return domain.ResultOf(fmt.Errorf("%s: %w", m.Name, err))
	}
	return domain.OK()
}

func commit(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(errCommitPanicked, fmt.Errorf("%v", r))
		}
	}()
	return fn(ctx)
}

var errCommitPanicked = errors.New("commit panicked")
