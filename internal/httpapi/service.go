package httpapi

import (
	"chatd/internal/registry"
	"chatd/internal/session"
	"chatd/pkg/types"
)

// SessionService adapts a session and a models directory to Service.
type SessionService struct {
	*session.Session
	ModelsDir string
}

var _ Service = (*SessionService)(nil)

func NewSessionService(s *session.Session, modelsDir string) *SessionService {
	return &SessionService{Session: s, ModelsDir: modelsDir}
}

// ListModels scans ModelsDir for artifacts.
func (s *SessionService) ListModels() ([]types.Model, error) {
	return registry.LoadDir(s.ModelsDir)
}
