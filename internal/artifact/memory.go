package artifact

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	repos  map[Repository]map[string][]byte
	writes map[Repository]map[string]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		repos:  make(map[Repository]map[string][]byte),
		writes: make(map[Repository]map[string]int),
	}
}

func (s *MemoryStore) EnsureRepository(_ context.Context, repo Repository, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[repo]; !ok {
		s.repos[repo] = make(map[string][]byte)
		s.writes[repo] = make(map[string]int)
	}
	return nil
}

func (s *MemoryStore) RepositoryExists(_ context.Context, repo Repository) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.repos[repo]
	return ok, nil
}

func (s *MemoryStore) Read(_ context.Context, repo Repository, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	files, ok := s.repos[repo]
	if !ok {
		return nil, ErrRepositoryNotFound
	}
	content, ok := files[name]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(content), nil
}

func (s *MemoryStore) Write(_ context.Context, repo Repository, name string, content []byte, _ string) error {
	if err := validateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	files, ok := s.repos[repo]
	if !ok {
		return ErrRepositoryNotFound
	}
	files[name] = slices.Clone(content)
	s.writes[repo][name]++
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, repo Repository, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	files, ok := s.repos[repo]
	if !ok {
		return false, ErrRepositoryNotFound
	}
	_, ok = files[name]
	return ok, nil
}

func (s *MemoryStore) List(_ context.Context, repo Repository) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	files, ok := s.repos[repo]
	if !ok {
		return nil, ErrRepositoryNotFound
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Delete removes an artifact. It exists for tests that simulate lost files.
func (s *MemoryStore) Delete(repo Repository, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.repos[repo], name)
}

// Writes returns how many times name was written in repo.
func (s *MemoryStore) Writes(repo Repository, name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[repo][name]
}
