// Package session keeps the conversation history of every session key and
// moves it to and from a persisted document.
package session

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
)

var ErrNoPersister = errors.New("session store has no persister")

// Document is the persisted shape: session key to ordered history.
type Document map[string][]chat.Message

// Persister loads and saves the whole session document.
type Persister interface {
	Load(ctx context.Context) (Document, error)
	Save(ctx context.Context, doc Document) error
}

// Store is the in-memory session mapping. Safe for concurrent use; callers
// that need read-modify-write sequences on one key serialize per key on top.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string][]chat.Message
	persister Persister
}

// NewStore returns an empty store backed by persister. persister may be nil
// for purely in-memory use.
func NewStore(persister Persister) *Store {
	return &Store{
		sessions:  make(map[string][]chat.Message),
		persister: persister,
	}
}

// Load replaces the in-memory mapping with the persisted document.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return ErrNoPersister
	}

	doc, err := s.persister.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "load sessions")
	}

	sessions := make(map[string][]chat.Message, len(doc))
	for key, messages := range doc {
		sessions[key] = append([]chat.Message(nil), messages...)
	}

	s.mu.Lock()
	s.sessions = sessions
	s.mu.Unlock()

	log.Info().Str("component", "session").Int("sessions", len(sessions)).Msg("session history loaded")
	return nil
}

// SaveAll writes the whole mapping back through the persister.
func (s *Store) SaveAll(ctx context.Context) error {
	if s.persister == nil {
		return ErrNoPersister
	}

	doc := s.snapshot()
	if err := s.persister.Save(ctx, doc); err != nil {
		return errors.Wrap(err, "save sessions")
	}

	log.Info().Str("component", "session").Int("sessions", len(doc)).Msg("session history saved")
	return nil
}

// Get returns a copy of the history for key.
func (s *Store) Get(key string) ([]chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.sessions[key]
	if !ok {
		return nil, false
	}
	return append([]chat.Message(nil), messages...), true
}

// EnsureSystemMessage creates the session with a single persona turn when it
// does not exist yet. An existing session keeps its original persona.
func (s *Store) EnsureSystemMessage(key, persona string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[key]; ok {
		return false
	}
	s.sessions[key] = []chat.Message{chat.SystemMessage(persona)}
	return true
}

// Append adds message at the end of an existing session. It reports false
// and drops the message when the session is gone, so a cleared session is
// never revived without its system message.
func (s *Store) Append(key string, message chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages, ok := s.sessions[key]
	if !ok {
		return false
	}
	s.sessions[key] = append(messages, message)
	return true
}

// StartTurn creates the session with persona when absent and appends message,
// in one step. It returns a copy of the resulting history and whether the
// session was created.
func (s *Store) StartTurn(key, persona string, message chat.Message) ([]chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages, ok := s.sessions[key]
	if !ok {
		messages = []chat.Message{chat.SystemMessage(persona)}
	}
	messages = append(messages, message)
	s.sessions[key] = messages
	return append([]chat.Message(nil), messages...), !ok
}

// Clear removes one session and returns how many messages it held.
func (s *Store) Clear(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages, ok := s.sessions[key]
	if !ok {
		return 0
	}
	delete(s.sessions, key)
	return len(messages)
}

// ClearAll removes every session and returns how many sessions existed.
func (s *Store) ClearAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.sessions)
	s.sessions = make(map[string][]chat.Message)
	return count
}

// Keys lists session keys in lexical order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.sessions))
	for key := range s.sessions {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Len is the number of sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := make(Document, len(s.sessions))
	for key, messages := range s.sessions {
		doc[key] = append([]chat.Message(nil), messages...)
	}
	return doc
}
