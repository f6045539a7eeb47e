package telegram

import (
	"sync"

	"github.com/digkill/RecipePlayground/internal/engine"
)

// chatState is what one chat has open: a recipe, the step on screen, the
// prompts the user edited and one engine session per executable step.
type chatState struct {
	// render serialises card sends and edits.
	render sync.Mutex

	mu       sync.Mutex
	recipe   string
	step     int
	cardID   int
	editing  bool
	prompts  map[int]string
	sessions map[int]*engine.Session
}

// open switches the chat to a recipe and returns the sessions of the recipe
// it replaces so the caller can abandon them.
func (s *chatState) open(slug string, firstStep int) []*engine.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := make([]*engine.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		old = append(old, sess)
	}
	s.recipe = slug
	s.step = firstStep
	s.cardID = 0
	s.editing = false
	s.prompts = make(map[int]string)
	s.sessions = make(map[int]*engine.Session)
	return old
}

func (s *chatState) view() (recipe string, step, cardID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recipe, s.step, s.cardID
}

func (s *chatState) show(step, cardID int) {
	s.mu.Lock()
	s.step = step
	s.cardID = cardID
	s.mu.Unlock()
}

// prompt returns the edited prompt of step, or "" when the template applies.
func (s *chatState) prompt(step int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[step]
}

func (s *chatState) setPrompt(step int, prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prompt == "" {
		delete(s.prompts, step)
		return
	}
	s.prompts[step] = prompt
}

func (s *chatState) setEditing(v bool) {
	s.mu.Lock()
	s.editing = v
	s.mu.Unlock()
}

// takeEditing reports whether the chat was waiting for a new prompt and
// clears the flag.
func (s *chatState) takeEditing() (step int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.editing {
		return 0, false
	}
	s.editing = false
	return s.step, true
}

func (s *chatState) session(step int) *engine.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[step]
}

// sessionOr returns the session of step, creating it with create on first
// use. A create error is returned as is and nothing is stored.
func (s *chatState) sessionOr(step int, create func() (*engine.Session, error)) (*engine.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[step]; ok {
		return sess, nil
	}
	sess, err := create()
	if err != nil {
		return nil, err
	}
	s.sessions[step] = sess
	return sess, nil
}

type StateManager struct {
	mu    sync.Mutex
	chats map[int64]*chatState
}

func NewStateManager() *StateManager {
	return &StateManager{
		chats: make(map[int64]*chatState),
	}
}

func (m *StateManager) Get(chatID int64) *chatState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.chats[chatID]
	if !ok {
		st = &chatState{
			prompts:  make(map[int]string),
			sessions: make(map[int]*engine.Session),
		}
		m.chats[chatID] = st
	}
	return st
}
