// Package chatlog owns the mutable ordered list of chat messages. All access
// is index-addressed; no other component keeps long-lived message pointers.
package chatlog

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/singleflight"

	"fable-server/types"
)

// Saver persists the chat. Generation completion is reported to observers
// before the save resolves; overlapping saves collapse into one flight.
type Saver interface {
	SaveChat(ctx context.Context, chatId string, messages []types.Message) error
}

type Store struct {
	mu          sync.Mutex
	chatId      string
	messages    []types.Message
	targetIndex int

	// version counts mutations; savedVersion is the newest version a finished
	// save has persisted. A save whose flight snapshotted an older version
	// runs again.
	version      uint64
	savedVersion uint64

	saver     Saver
	saveGroup singleflight.Group
}

func NewStore(chatId string, saver Saver) *Store {
	return &Store{
		chatId:      chatId,
		targetIndex: -1,
		saver:       saver,
	}
}

func (s *Store) ChatId() string {
	return s.chatId
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Get returns a copy of the message at index i.
func (s *Store) Get(i int) (types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.messages) {
		return types.Message{}, false
	}
	return s.messages[i], true
}

// Messages returns a snapshot copy of the whole log.
func (s *Store) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// NewMessage builds a message with a fresh id and timestamp. The caller still
// has to Append it.
func NewMessage(name, text string, isUser bool) types.Message {
	return types.Message{
		Id:       shortuuid.New(),
		Name:     name,
		IsUser:   isUser,
		Text:     text,
		SendDate: time.Now(),
	}
}

// Load replaces the whole log, used when opening a persisted chat.
func (s *Store) Load(messages []types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make([]types.Message, len(messages))
	copy(s.messages, messages)
	s.targetIndex = -1
	s.version++
}

// Append adds a message to the tail and returns its index.
func (s *Store) Append(msg types.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.version++
	return len(s.messages) - 1
}

// Update mutates the message at index i in place. The active swipe slot is
// kept in sync with the primary text afterwards.
func (s *Store) Update(i int, fn func(*types.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.messages) {
		return fmt.Errorf("no message at index %d", i)
	}
	fn(&s.messages[i])
	syncSwipe(&s.messages[i])
	s.version++
	return nil
}

// SetText writes the primary text (and mirrors it into the active swipe slot)
// of the message at index i.
func (s *Store) SetText(i int, text string) error {
	return s.Update(i, func(m *types.Message) {
		m.Text = text
	})
}

// Delete removes the message at index i. Only explicit user deletion calls
// this; the generation pipeline never removes messages.
func (s *Store) Delete(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.messages) {
		return fmt.Errorf("no message at index %d", i)
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	if s.targetIndex == i {
		s.targetIndex = -1
	} else if s.targetIndex > i {
		s.targetIndex--
	}
	s.version++
	return nil
}

// Truncate drops every message from index i onward.
func (s *Store) Truncate(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.messages) {
		return
	}
	s.messages = s.messages[:i]
	if s.targetIndex >= i {
		s.targetIndex = -1
	}
	s.version++
}

// SetGenerationTarget marks the index the in-flight generation writes into.
func (s *Store) SetGenerationTarget(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetIndex = i
}

func (s *Store) GenerationTarget() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetIndex
}

func syncSwipe(m *types.Message) {
	if len(m.Swipes) == 0 {
		return
	}
	if m.SwipeId < 0 {
		m.SwipeId = 0
	}
	if m.SwipeId >= len(m.Swipes) {
		m.SwipeId = len(m.Swipes) - 1
	}
	m.Swipes[m.SwipeId] = m.Text
	for len(m.SwipeInfo) < len(m.Swipes) {
		m.SwipeInfo = append(m.SwipeInfo, types.SwipeInfo{
			SendDate: m.SendDate,
			Extra:    m.Extra,
		})
	}
	m.SwipeInfo[m.SwipeId] = types.SwipeInfo{
		SendDate:    m.SendDate,
		GenStarted:  m.GenStarted,
		GenFinished: m.GenFinished,
		Extra:       m.Extra,
	}
}

// Save persists the current log through the external saver. Concurrent calls
// share one flight; a call whose flight snapshotted the log before the
// caller's own mutation runs the save again, so the newest state is never
// left unsaved.
func (s *Store) Save(ctx context.Context) error {
	if s.saver == nil {
		return nil
	}
	for {
		s.mu.Lock()
		target := s.version
		s.mu.Unlock()

		_, err, _ := s.saveGroup.Do("save", func() (interface{}, error) {
			s.mu.Lock()
			snapshot := make([]types.Message, len(s.messages))
			copy(snapshot, s.messages)
			version := s.version
			s.mu.Unlock()

			err := s.saver.SaveChat(ctx, s.chatId, snapshot)
			if err == nil {
				s.mu.Lock()
				if version > s.savedVersion {
					s.savedVersion = version
				}
				s.mu.Unlock()
			}
			return nil, err
		})
		if err != nil {
			log.Printf("Error saving chat %s: %v\n", s.chatId, err)
			return err
		}

		s.mu.Lock()
		caughtUp := s.savedVersion >= target
		s.mu.Unlock()
		if caughtUp {
			return nil
		}
	}
}
