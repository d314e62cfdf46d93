// Package session keeps per-sender conversational state in memory: rolling
// turn history, qualification stage, the processing flag that serialises work
// for one sender, and the admission record of the rate gate.
package session

import (
	"time"

	"github.com/comigor/leadbot/internal/qualify"
)

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the rolling history.
type Turn struct {
	Role    Role
	Content string
}

// Session is the conversational state of one sender.
type Session struct {
	History        []Turn
	Stage          qualify.Stage
	Turns          int    // inbound turns since creation or last reset
	Epoch          uint64 // incremented by every reset
	LastActivityAt time.Time
}

func (s Session) clone() Session {
	out := s
	out.History = append([]Turn(nil), s.History...)
	return out
}
