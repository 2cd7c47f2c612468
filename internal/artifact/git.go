package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// CommandExecutor abstracts command execution so tests can observe or fake
// git invocations.
type CommandExecutor interface {
	// Run executes a command in dir and returns its combined output.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns combined output.
func (CLICommandExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// GitError describes a failed git invocation.
type GitError struct {
	Op         string
	Repository string
	Output     string
	Err        error
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s in %s: %v", e.Op, e.Repository, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *GitError) Unwrap() error {
	return e.Err
}

// GitStore keeps each repository as a local git working tree under baseDir.
// An artifact becomes visible when its commit lands; files that were written
// but never committed are ignored by Read, Exists and List.
type GitStore struct {
	baseDir  string
	executor CommandExecutor
	author   string
	email    string

	locks sync.Map // repo path -> *sync.Mutex
}

// NewGitStore creates a store rooted at baseDir.
func NewGitStore(baseDir string) *GitStore {
	return NewGitStoreWithExecutor(baseDir, CLICommandExecutor{})
}

// NewGitStoreWithExecutor creates a GitStore with a custom executor.
func NewGitStoreWithExecutor(baseDir string, executor CommandExecutor) *GitStore {
	return &GitStore{
		baseDir:  baseDir,
		executor: executor,
		author:   "manuscript",
		email:    "manuscript@localhost",
	}
}

func (s *GitStore) repoPath(repo Repository) string {
	return filepath.Join(s.baseDir, sanitizeSegment(repo.Owner), sanitizeSegment(repo.Name))
}

func (s *GitStore) lock(dir string) func() {
	m, _ := s.locks.LoadOrStore(dir, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *GitStore) git(ctx context.Context, dir, op string, args ...string) ([]byte, error) {
	out, err := s.executor.Run(ctx, dir, "git", args...)
	if err != nil {
		return out, &GitError{Op: op, Repository: dir, Output: string(out), Err: err}
	}
	return out, nil
}

// EnsureRepository initialises the repository with an empty root commit.
// Calling it for an existing repository is a no-op.
func (s *GitStore) EnsureRepository(ctx context.Context, repo Repository, description string) error {
	if !repo.Valid() {
		return fmt.Errorf("invalid repository %q", repo)
	}
	dir := s.repoPath(repo)
	defer s.lock(dir)()

	if exists, _ := s.RepositoryExists(ctx, repo); exists {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create repository dir: %w", err)
	}

	steps := [][]string{
		{"init", "--quiet"},
		{"config", "user.name", s.author},
		{"config", "user.email", s.email},
		{"commit", "--quiet", "--allow-empty", "-m", "Initialize " + repo.String() + "\n\n" + description},
	}
	for _, args := range steps {
		if _, err := s.git(ctx, dir, args[0], args...); err != nil {
			return err
		}
	}
	return nil
}

// RepositoryExists reports whether the repository has been initialised.
func (s *GitStore) RepositoryExists(ctx context.Context, repo Repository) (bool, error) {
	dir := s.repoPath(repo)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := s.git(ctx, dir, "rev-parse", "rev-parse", "--verify", "--quiet", "HEAD"); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *GitStore) requireRepo(ctx context.Context, repo Repository) (string, error) {
	exists, err := s.RepositoryExists(ctx, repo)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrRepositoryNotFound, repo)
	}
	return s.repoPath(repo), nil
}

// Read returns the committed content of name.
func (s *GitStore) Read(ctx context.Context, repo Repository, name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	dir, err := s.requireRepo(ctx, repo)
	if err != nil {
		return nil, err
	}
	committed, err := s.tracked(ctx, dir, name)
	if err != nil {
		return nil, err
	}
	if len(committed) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, repo, name)
	}
	out, err := s.git(ctx, dir, "show", "show", "HEAD:"+name)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write replaces name atomically and commits it. Writing identical content
// succeeds without creating a commit.
func (s *GitStore) Write(ctx context.Context, repo Repository, name string, content []byte, message string) error {
	if err := validateName(name); err != nil {
		return err
	}
	dir, err := s.requireRepo(ctx, repo)
	if err != nil {
		return err
	}
	defer s.lock(dir)()

	tmp, err := os.CreateTemp(dir, ".tmp-"+name+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}

	if _, err := s.git(ctx, dir, "add", "add", "--", name); err != nil {
		return err
	}
	out, err := s.git(ctx, dir, "commit", "commit", "--quiet", "-m", message, "--", name)
	if err != nil {
		if isNothingToCommit(string(out)) {
			return nil
		}
		return err
	}
	return nil
}

// Exists reports whether name is committed.
func (s *GitStore) Exists(ctx context.Context, repo Repository, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	dir, err := s.requireRepo(ctx, repo)
	if err != nil {
		return false, err
	}
	committed, err := s.tracked(ctx, dir, name)
	if err != nil {
		return false, err
	}
	return len(committed) > 0, nil
}

// List returns every committed artifact name, sorted.
func (s *GitStore) List(ctx context.Context, repo Repository) ([]string, error) {
	dir, err := s.requireRepo(ctx, repo)
	if err != nil {
		return nil, err
	}
	names, err := s.tracked(ctx, dir)
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

func (s *GitStore) tracked(ctx context.Context, dir string, paths ...string) ([]string, error) {
	args := append([]string{"ls-tree", "--name-only", "HEAD", "--"}, paths...)
	out, err := s.git(ctx, dir, "ls-tree", args...)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// sanitizeSegment keeps repository coordinates inside baseDir.
func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "..", "")
	s = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '-'
		}
		return r
	}, s)
	if s == "" {
		return "_"
	}
	return s
}

func isNothingToCommit(output string) bool {
	for _, hint := range []string{"nothing to commit", "nothing added to commit", "no changes added to commit"} {
		if strings.Contains(output, hint) {
			return true
		}
	}
	return false
}
