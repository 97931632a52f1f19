// Package session is the operator session capability consumed by the
// pipeline: who is signed in, which locations they may see and whether that
// context has finished loading.
package session

import (
	"sync"

	"github.com/google/uuid"

	"order-alert-pipeline/pkg/models"
)

type Session interface {
	Ready() bool
	OperatorID() string
	Locations() []string
}

// State is the session held by one foreground process. Authentication is
// external; the host calls MarkReady once the operator context is loaded.
type State struct {
	mu         sync.RWMutex
	id         string
	operatorID string
	locations  []string
	ready      bool
	lifecycle  models.Lifecycle
}

func NewState() *State {
	return &State{id: uuid.New().String()}
}

// ID identifies this session on the cross-context channel.
func (s *State) ID() string {
	return s.id
}

func (s *State) MarkReady(operatorID string, locations []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.operatorID = operatorID
	s.locations = append([]string(nil), locations...)
	s.ready = true
}

// Reset drops the operator context, e.g. on sign-out.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.operatorID = ""
	s.locations = nil
	s.ready = false
}

func (s *State) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

func (s *State) OperatorID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.operatorID
}

func (s *State) Locations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.locations...)
}

func (s *State) SetLifecycle(lifecycle models.Lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle = lifecycle
}

func (s *State) Lifecycle() models.Lifecycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lifecycle
}

// Foreground reports whether the session last signalled it is in front.
func (s *State) Foreground() bool {
	return s.Lifecycle() == models.LifecycleForeground
}
