package chatlog

import (
	"fmt"
	"time"

	"fable-server/types"
)

// EnsureSwipes seeds the swipe list from the current text when a message has
// never been swiped, so navigation and candidate merging have a slot zero.
func (s *Store) EnsureSwipes(i int) error {
	return s.Update(i, func(m *types.Message) {
		if len(m.Swipes) == 0 {
			m.Swipes = []string{m.Text}
			m.SwipeId = 0
			m.SwipeInfo = []types.SwipeInfo{{
				SendDate:    m.SendDate,
				GenStarted:  m.GenStarted,
				GenFinished: m.GenFinished,
				Extra:       m.Extra,
			}}
		}
	})
}

// AddSwipe appends a new candidate to the message and makes it current.
func (s *Store) AddSwipe(i int, text string, extra types.MessageExtra) error {
	if err := s.EnsureSwipes(i); err != nil {
		return err
	}
	return s.Update(i, func(m *types.Message) {
		m.Swipes = append(m.Swipes, text)
		m.SwipeInfo = append(m.SwipeInfo, types.SwipeInfo{
			SendDate: time.Now(),
			Extra:    extra,
		})
		m.SwipeId = len(m.Swipes) - 1
		m.Text = text
		m.Extra = extra
	})
}

// MergeSwipeCandidates folds extra full-text completions returned by the
// provider into the message's alternatives without changing the current one.
func (s *Store) MergeSwipeCandidates(i int, candidates []string, extra types.MessageExtra) error {
	if len(candidates) == 0 {
		return nil
	}
	if err := s.EnsureSwipes(i); err != nil {
		return err
	}
	return s.Update(i, func(m *types.Message) {
		for _, candidate := range candidates {
			if candidate == "" {
				continue
			}
			m.Swipes = append(m.Swipes, candidate)
			m.SwipeInfo = append(m.SwipeInfo, types.SwipeInfo{
				SendDate: time.Now(),
				Extra:    extra,
			})
		}
	})
}

// SwipeTo navigates the message at index i to candidate id. The primary text
// and timestamps follow the selected candidate.
func (s *Store) SwipeTo(i, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.messages) {
		return fmt.Errorf("no message at index %d", i)
	}
	m := &s.messages[i]
	if len(m.Swipes) == 0 {
		return fmt.Errorf("message at index %d has no swipes", i)
	}
	if id < 0 || id >= len(m.Swipes) {
		return fmt.Errorf("swipe id %d out of range (%d swipes)", id, len(m.Swipes))
	}
	for len(m.SwipeInfo) < len(m.Swipes) {
		m.SwipeInfo = append(m.SwipeInfo, types.SwipeInfo{SendDate: m.SendDate, Extra: m.Extra})
	}
	m.SwipeId = id
	m.Text = m.Swipes[id]
	info := m.SwipeInfo[id]
	m.SendDate = info.SendDate
	m.GenStarted = info.GenStarted
	m.GenFinished = info.GenFinished
	m.Extra = info.Extra
	s.version++
	return nil
}
