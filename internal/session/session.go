// Package session holds the images a user uploaded and the view they are
// currently shown. Only the latest issued run may replace that view.
package session

import (
	"fmt"
	"sync"

	"github.com/example/chakshot/internal/backend"
	"github.com/example/chakshot/internal/pipeline"
	"github.com/example/chakshot/internal/results"
)

// Role says which side of the comparison an image belongs to.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// ParseRole validates a role taken from a request path.
func ParseRole(value string) (Role, error) {
	switch Role(value) {
	case RoleUser, RoleModel:
		return Role(value), nil
	default:
		return "", &pipeline.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", value)}
	}
}

// Ticket is handed out by Begin and identifies a run within its session.
type Ticket struct {
	Seq   uint64
	User  *backend.Image
	Model *backend.Image
}

// Session is the per-user state.
type Session struct {
	mu    sync.Mutex
	user  *backend.Image
	model *backend.Image
	seq   uint64
	view  *results.View
}

// SetImage replaces the image for role. Any displayed view is cleared and
// runs still in flight become stale.
func (s *Session) SetImage(role Role, img *backend.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch role {
	case RoleUser:
		s.user = img
	case RoleModel:
		s.model = img
	}
	s.view = nil
	s.seq++
}

// Begin issues a new run sequence number and snapshots the current images.
// Earlier tickets stop being able to apply their views. A missing image fails
// with a ValidationError and leaves the sequence untouched.
func (s *Session) Begin() (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil || len(s.user.Data) == 0 {
		return Ticket{}, &pipeline.ValidationError{Field: "user_image", Reason: "both photos are required"}
	}
	if s.model == nil || len(s.model.Data) == 0 {
		return Ticket{}, &pipeline.ValidationError{Field: "model_image", Reason: "both photos are required"}
	}
	s.seq++
	return Ticket{Seq: s.seq, User: s.user, Model: s.model}, nil
}

// Apply installs view when seq is still the latest issued sequence and
// reports whether it did.
func (s *Session) Apply(seq uint64, view *results.View) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seq {
		return false
	}
	s.view = view
	return true
}

// View returns the displayed view, or nil.
func (s *Session) View() *results.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Store maps subjects to sessions.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Get returns the session for subject, creating it on first use.
func (st *Store) Get(subject string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[subject]
	if !ok {
		s = &Session{}
		st.sessions[subject] = s
	}
	return s
}
