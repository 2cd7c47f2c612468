package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/google/go-github/v66/github"
	"github.com/raphaelgruber/manuscript/internal/retry"
)

// GitHubStore keeps artifacts in GitHub repositories through the contents
// API. Every write is a single commit on the default branch.
type GitHubStore struct {
	client  *github.Client
	private bool
}

// NewGitHubStore creates a store authenticated with token. A non-empty
// baseURL targets a GitHub Enterprise instance.
func NewGitHubStore(token, baseURL string) (*GitHubStore, error) {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("github enterprise url: %w", err)
		}
	}
	return NewGitHubStoreWithClient(client), nil
}

// NewGitHubStoreWithClient wraps an existing client. Created repositories are private.
func NewGitHubStoreWithClient(client *github.Client) *GitHubStore {
	return &GitHubStore{client: client, private: true}
}

// EnsureRepository creates the repository with an initial commit if it is
// missing. Repositories owned by the authenticated user are created under
// the user; any other owner is treated as an organization.
func (s *GitHubStore) EnsureRepository(ctx context.Context, repo Repository, description string) error {
	exists, err := s.RepositoryExists(ctx, repo)
	if err != nil || exists {
		return err
	}

	org := repo.Owner
	user, _, err := s.client.Users.Get(ctx, "")
	if err != nil {
		return fmt.Errorf("get authenticated user: %w", mapGitHubError(err))
	}
	if user.GetLogin() == repo.Owner {
		org = ""
	}

	_, resp, err := s.client.Repositories.Create(ctx, org, &github.Repository{
		Name:        github.String(repo.Name),
		Description: github.String(description),
		Private:     github.Bool(s.private),
		AutoInit:    github.Bool(true),
	})
	if err != nil {
		// Lost a race with another creator.
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			if exists, _ := s.RepositoryExists(ctx, repo); exists {
				return nil
			}
		}
		return fmt.Errorf("create repository %s: %w", repo, mapGitHubError(err))
	}
	return nil
}

// RepositoryExists reports whether the repository is reachable.
func (s *GitHubStore) RepositoryExists(ctx context.Context, repo Repository) (bool, error) {
	_, resp, err := s.client.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err != nil {
		if isNotFound(resp) {
			return false, nil
		}
		return false, fmt.Errorf("get repository %s: %w", repo, mapGitHubError(err))
	}
	return true, nil
}

func (s *GitHubStore) getFile(ctx context.Context, repo Repository, name string) (*github.RepositoryContent, error) {
	file, _, resp, err := s.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, name, nil)
	if err != nil {
		if isNotFound(resp) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, repo, name)
		}
		return nil, fmt.Errorf("get %s/%s: %w", repo, name, mapGitHubError(err))
	}
	if file == nil {
		return nil, fmt.Errorf("%s/%s is a directory", repo, name)
	}
	return file, nil
}

// Read returns the content of name on the default branch.
func (s *GitHubStore) Read(ctx context.Context, repo Repository, name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	file, err := s.getFile(ctx, repo, name)
	if err != nil {
		return nil, err
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", repo, name, err)
	}
	return []byte(content), nil
}

// Write creates or replaces name in one commit. Identical content is not re-committed.
func (s *GitHubStore) Write(ctx context.Context, repo Repository, name string, content []byte, message string) error {
	if err := validateName(name); err != nil {
		return err
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: content,
	}

	existing, err := s.getFile(ctx, repo, name)
	switch {
	case errors.Is(err, ErrNotFound):
		_, _, err = s.client.Repositories.CreateFile(ctx, repo.Owner, repo.Name, name, opts)
	case err != nil:
		return err
	default:
		if current, decodeErr := existing.GetContent(); decodeErr == nil && bytes.Equal([]byte(current), content) {
			return nil
		}
		opts.SHA = existing.SHA
		_, _, err = s.client.Repositories.UpdateFile(ctx, repo.Owner, repo.Name, name, opts)
	}
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", repo, name, mapGitHubError(err))
	}
	return nil
}

// Exists reports whether name is present on the default branch.
func (s *GitHubStore) Exists(ctx context.Context, repo Repository, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	_, err := s.getFile(ctx, repo, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns the names of files at the root of the default branch.
func (s *GitHubStore) List(ctx context.Context, repo Repository) ([]string, error) {
	r, resp, err := s.client.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err != nil {
		if isNotFound(resp) {
			return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, repo)
		}
		return nil, fmt.Errorf("get repository %s: %w", repo, mapGitHubError(err))
	}

	tree, resp, err := s.client.Git.GetTree(ctx, repo.Owner, repo.Name, r.GetDefaultBranch(), false)
	if err != nil {
		// An empty repository has no tree yet.
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", repo, mapGitHubError(err))
	}

	names := make([]string, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		if entry.GetType() == "blob" {
			names = append(names, entry.GetPath())
		}
	}
	slices.Sort(names)
	return names, nil
}

func isNotFound(resp *github.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusNotFound
}

// mapGitHubError attaches the HTTP status so the invoker can classify it.
func mapGitHubError(err error) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &retry.StatusError{StatusCode: http.StatusTooManyRequests, Err: err}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &retry.StatusError{StatusCode: http.StatusTooManyRequests, Err: err}
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return &retry.StatusError{StatusCode: respErr.Response.StatusCode, Err: err}
	}
	return err
}
