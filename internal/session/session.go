// Package session implements Session Persistence (C11): serialize/restore
// menu-navigation history snapshots for resume-from-last-state and crash
// recovery.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xqi1337/nekoengine/internal/atomicfile"
	"github.com/xqi1337/nekoengine/models"
)

var ErrStorageDirRequired = errors.New("session: storage directory not provided")

const (
	defaultName = "default.json"
	crashName   = "crash.json"
)

// Service persists Sessions under storageDir/sessions.
type Service struct {
	dir string
}

// NewService creates a session store rooted at storageDir/sessions.
func NewService(storageDir string) (*Service, error) {
	if storageDir == "" {
		return nil, ErrStorageDirRequired
	}
	dir := filepath.Join(storageDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create dir: %w", err)
	}
	return &Service{dir: dir}, nil
}

// SaveDefault persists frames as the resumable default session.
func (s *Service) SaveDefault(frames []models.MenuFrame) error {
	sess := models.Session{ID: uuid.NewString(), Frames: frames, SavedAt: time.Now().UTC()}
	return atomicfile.WriteJSON(filepath.Join(s.dir, defaultName), sess)
}

// SaveCrash persists frames under the distinct crash name, used when the
// process recovers from a panic and re-raises it.
func (s *Service) SaveCrash(frames []models.MenuFrame) error {
	sess := models.Session{ID: uuid.NewString(), Frames: frames, SavedAt: time.Now().UTC(), CrashExit: true}
	return atomicfile.WriteJSON(filepath.Join(s.dir, crashName), sess)
}

// SaveNamed writes an immutable timestamped snapshot, matching the on-disk
// layout's session_YYYYMMDD_HHMMSS_ffffff.json convention.
func (s *Service) SaveNamed(frames []models.MenuFrame) (string, error) {
	now := time.Now().UTC()
	name := fmt.Sprintf("session_%s_%06d.json", now.Format("20060102_150405"), now.Nanosecond()/1000)
	sess := models.Session{ID: uuid.NewString(), Frames: frames, SavedAt: now}
	if err := atomicfile.WriteJSON(filepath.Join(s.dir, name), sess); err != nil {
		return "", err
	}
	return name, nil
}

// LoadDefault loads the resumable default session (--resume).
func (s *Service) LoadDefault() (*models.Session, error) {
	return s.loadNamed(defaultName)
}

// LoadCrash loads the crash snapshot, if one exists.
func (s *Service) LoadCrash() (*models.Session, error) {
	return s.loadNamed(crashName)
}

func (s *Service) loadNamed(name string) (*models.Session, error) {
	var sess models.Session
	if err := atomicfile.ReadJSON(filepath.Join(s.dir, name), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// MostRecentSession scans session_* filenames and returns the session
// encoded with the latest timestamp.
func (s *Service) MostRecentSession() (*models.Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("session: list dir: %w", err)
	}

	var named []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "session_") && strings.HasSuffix(e.Name(), ".json") {
			named = append(named, e.Name())
		}
	}
	if len(named) == 0 {
		return nil, atomicfile.ErrNotExist
	}
	sort.Strings(named) // timestamp-encoded names sort chronologically
	return s.loadNamed(named[len(named)-1])
}
