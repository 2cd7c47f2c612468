// Package artifact stores generated documents in versioned repositories
// addressed by owner and name.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrNotFound reports a missing artifact.
	ErrNotFound = errors.New("artifact not found")

	// ErrRepositoryNotFound reports a missing repository.
	ErrRepositoryNotFound = errors.New("repository not found")
)

// Repository addresses a versioned artifact repository.
type Repository struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

func (r Repository) String() string {
	return r.Owner + "/" + r.Name
}

// Valid reports whether both coordinates are set.
func (r Repository) Valid() bool {
	return r.Owner != "" && r.Name != ""
}

// Store reads and writes named artifacts. A Write is atomic: once it returns
// nil the artifact is visible to Read, Exists and List; if it fails the
// artifact is either absent or holds its previous content.
type Store interface {
	EnsureRepository(ctx context.Context, repo Repository, description string) error
	RepositoryExists(ctx context.Context, repo Repository) (bool, error)
	Read(ctx context.Context, repo Repository, name string) ([]byte, error)
	Write(ctx context.Context, repo Repository, name string, content []byte, message string) error
	Exists(ctx context.Context, repo Repository, name string) (bool, error)
	List(ctx context.Context, repo Repository) ([]string, error)
}

// validateName rejects names that would escape the repository root.
func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name != path.Clean(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}
