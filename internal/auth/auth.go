// Package auth implements the Auth Store (C12): per-catalog-api credential
// persistence, one file per api tag, sharing the registry's atomic-write
// discipline. Never logs tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xqi1337/nekoengine/internal/atomicfile"
	"github.com/xqi1337/nekoengine/models"
)

var ErrStorageDirRequired = errors.New("auth: storage directory not provided")

// Service persists AuthRecords under storageDir/auth/{api}.json.
type Service struct {
	mu  sync.RWMutex
	dir string
}

// NewService creates an auth store rooted at storageDir/auth.
func NewService(storageDir string) (*Service, error) {
	if storageDir == "" {
		return nil, ErrStorageDirRequired
	}
	dir := filepath.Join(storageDir, "auth")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("auth: create dir: %w", err)
	}
	return &Service{dir: dir}, nil
}

func (s *Service) path(api string) string {
	return filepath.Join(s.dir, api+".json")
}

// Get returns the stored record for api, if any.
func (s *Service) Get(api string) (*models.AuthRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec models.AuthRecord
	if err := atomicfile.ReadJSON(s.path(api), &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

// Save persists rec for api. Called by the Catalog Client on successful
// authenticate().
func (s *Service) Save(_ context.Context, api string, rec models.AuthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return atomicfile.WriteJSON(s.path(api), rec)
}

// Clear deletes the stored record for api, called on authentication failure.
func (s *Service) Clear(api string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(api)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("auth: clear %s: %w", api, err)
	}
	return nil
}
