package artifact

import (
	"context"
	"errors"

	"github.com/raphaelgruber/manuscript/internal/metrics"
	"github.com/raphaelgruber/manuscript/internal/retry"
)

// ResilientStore routes every call through a retry.Invoker. Not-found
// results are answers, not failures, and are never retried. Attempt timings
// land in the invoker's metrics under the artifact operation names.
type ResilientStore struct {
	next    Store
	invoker *retry.Invoker
}

// NewResilientStore wraps next.
func NewResilientStore(next Store, invoker *retry.Invoker) *ResilientStore {
	return &ResilientStore{next: next, invoker: invoker}
}

func isAbsent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrRepositoryNotFound)
}

// do runs fn with retries, passing absence errors straight through.
func (s *ResilientStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var absent error
	err := s.invoker.Do(ctx, op, func(ctx context.Context) error {
		err := fn(ctx)
		if isAbsent(err) {
			absent = err
			return nil
		}
		absent = nil
		return err
	})
	if err != nil {
		return err
	}
	return absent
}

func (s *ResilientStore) EnsureRepository(ctx context.Context, repo Repository, description string) error {
	return s.do(ctx, "artifact_ensure_repository", func(ctx context.Context) error {
		return s.next.EnsureRepository(ctx, repo, description)
	})
}

func (s *ResilientStore) RepositoryExists(ctx context.Context, repo Repository) (bool, error) {
	var exists bool
	err := s.do(ctx, "artifact_repository_exists", func(ctx context.Context) error {
		var err error
		exists, err = s.next.RepositoryExists(ctx, repo)
		return err
	})
	return exists, err
}

func (s *ResilientStore) Read(ctx context.Context, repo Repository, name string) ([]byte, error) {
	var content []byte
	err := s.do(ctx, metrics.OpArtifactRead, func(ctx context.Context) error {
		var err error
		content, err = s.next.Read(ctx, repo, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

func (s *ResilientStore) Write(ctx context.Context, repo Repository, name string, content []byte, message string) error {
	return s.do(ctx, metrics.OpArtifactWrite, func(ctx context.Context) error {
		return s.next.Write(ctx, repo, name, content, message)
	})
}

func (s *ResilientStore) Exists(ctx context.Context, repo Repository, name string) (bool, error) {
	var exists bool
	err := s.do(ctx, "artifact_exists", func(ctx context.Context) error {
		var err error
		exists, err = s.next.Exists(ctx, repo, name)
		return err
	})
	return exists, err
}

func (s *ResilientStore) List(ctx context.Context, repo Repository) ([]string, error) {
	var names []string
	err := s.do(ctx, metrics.OpArtifactList, func(ctx context.Context) error {
		var err error
		names, err = s.next.List(ctx, repo)
		return err
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}
