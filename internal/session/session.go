package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/snapshot"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/storage"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/versioning"
)

// Session holds the current project context for an MCP session.
type Session struct {
	mu                 sync.Mutex
	logger             *slog.Logger
	currentProjectID   string
	currentProjectName string
	store              snapshot.Store
	svc                *versioning.Service
}

// New creates a new empty session with no active project.
func New(logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{logger: logger}
}

// SwitchProject closes the current project (if any) and opens the given one.
func (s *Session) SwitchProject(meta *storage.MetaStore, name string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proj, err := meta.GetProjectByName(name)
	if err != nil {
		return nil, err
	}
	if proj.Status == "archived" {
		return nil, fmt.Errorf("project %q is archived, restore it first", name)
	}

	s.closeLocked()

	store, err := meta.OpenProjectStore(proj)
	if err != nil {
		return nil, fmt.Errorf("open project store: %w", err)
	}

	s.currentProjectID = proj.ID
	s.currentProjectName = proj.Name
	s.store = store
	s.svc = versioning.NewService(store, versioning.WithLogger(s.logger.With("project", proj.Name)))

	return proj, nil
}

// GetCurrent returns info about the current project, or ok=false if none is active.
func (s *Session) GetCurrent() (id, name string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return "", "", false
	}
	return s.currentProjectID, s.currentProjectName, true
}

// Service returns the current project's versioning service, or nil if no project is active.
func (s *Session) Service() *versioning.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.svc
}

// Clear closes the current project and resets session state.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// Close is an alias for Clear, used during server shutdown.
func (s *Session) Close() {
	s.Clear()
}

func (s *Session) closeLocked() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("close project store", "project", s.currentProjectName, "error", err)
		}
	}
	s.store = nil
	s.svc = nil
	s.currentProjectID = ""
	s.currentProjectName = ""
}
