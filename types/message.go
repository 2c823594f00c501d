package types

import "time"

// Message is one chat turn. Messages are owned by the chatlog store; other
// components hold indices, never long-lived pointers.
type Message struct {
	Id       string    `json:"id"`
	Name     string    `json:"name"`
	IsUser   bool      `json:"is_user"`
	IsSystem bool      `json:"is_system"`
	Text     string    `json:"mes"`
	SendDate time.Time `json:"send_date"`

	GenStarted  time.Time `json:"gen_started,omitempty"`
	GenFinished time.Time `json:"gen_finished,omitempty"`

	Extra MessageExtra `json:"extra"`

	// Swipes are alternate full-text candidates for this turn. Whenever
	// Swipes is non-empty, Swipes[SwipeId] mirrors Text and SwipeInfo runs
	// parallel to Swipes.
	Swipes    []string    `json:"swipes,omitempty"`
	SwipeId   int         `json:"swipe_id"`
	SwipeInfo []SwipeInfo `json:"swipe_info,omitempty"`
}

// MessageExtra is the free-form metadata bag carried on every message.
type MessageExtra struct {
	Api          string   `json:"api,omitempty"`
	Model        string   `json:"model,omitempty"`
	TokenCount   int      `json:"token_count,omitempty"`
	Display      string   `json:"display_text,omitempty"`
	Bias         string   `json:"bias,omitempty"`
	InjectedType string   `json:"type,omitempty"`
	Media        []string `json:"media,omitempty"`
	Title        string   `json:"title,omitempty"`
	Timer        string   `json:"gen_time,omitempty"`
}

// SwipeInfo mirrors the timestamp/metadata fields of one swipe candidate.
type SwipeInfo struct {
	SendDate    time.Time    `json:"send_date"`
	GenStarted  time.Time    `json:"gen_started,omitempty"`
	GenFinished time.Time    `json:"gen_finished,omitempty"`
	Extra       MessageExtra `json:"extra"`
}
