// Package crm is the persistence side of the bot: contacts, conversations,
// messages, lead scoring, the deal pipeline and the property catalogue.
package crm

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// MessageSender tags who wrote a stored message.
type MessageSender string

const (
	SenderContact MessageSender = "contato"
	SenderBot     MessageSender = "bot"
)

// ScoreEvent is a conversational milestone that raises the lead score.
type ScoreEvent string

const (
	EventMessageSent       ScoreEvent = "message_sent"
	EventPropertyViewed    ScoreEvent = "property_viewed"
	EventScheduleRequested ScoreEvent = "schedule_requested"
	EventVisitScheduled    ScoreEvent = "visit_scheduled"
)

// ScorePoints is how much each event adds to a contact's score.
var ScorePoints = map[ScoreEvent]int{
	EventMessageSent:       1,
	EventPropertyViewed:    5,
	EventScheduleRequested: 10,
	EventVisitScheduled:    20,
}

// MaxScore caps the lead score.
const MaxScore = 100

// Deal pipeline stages, in order.
const (
	DealStageNew       = "novo"
	DealStageQualified = "qualificado"
	DealStageVisit     = "visita_agendada"
	DealStageProposal  = "proposta"
	DealStageClosed    = "fechado"
)

// DealStages lists the pipeline in order.
var DealStages = []string{DealStageNew, DealStageQualified, DealStageVisit, DealStageProposal, DealStageClosed}

// Deal statuses. Only open deals are considered by the bot.
const (
	DealOpen = "open"
	DealWon  = "won"
	DealLost = "lost"
)

// Contact is a lead known to the CRM.
type Contact struct {
	ID       int64
	SenderID string
	Name     string
	Score    int
}

// Conversation groups messages exchanged with one contact.
type Conversation struct {
	ID        int64
	ContactID int64
}

// Message is one stored chat message.
type Message struct {
	ID             int64
	ConversationID int64
	Sender         MessageSender
	Content        string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// Deal is an opportunity in the sales pipeline.
type Deal struct {
	ID        int64
	ContactID int64
	Title     string
	Stage     string
	Status    string
}

// Property is one listing of the catalogue.
type Property struct {
	ID         int64    `json:"id"`
	Code       string   `json:"code"`
	Type       string   `json:"type"`
	City       string   `json:"city"`
	Price      float64  `json:"price"`
	Bedrooms   int      `json:"bedrooms"`
	CoverPhoto string   `json:"cover_photo"`
	Photos     []string `json:"photos"`
}

// CoverURL returns the cover photo, falling back to the first gallery photo.
func (p Property) CoverURL() string {
	if p.CoverPhoto != "" {
		return p.CoverPhoto
	}
	if len(p.Photos) > 0 {
		return p.Photos[0]
	}
	return ""
}

// PropertyFilter narrows a catalogue search. Zero fields are ignored.
type PropertyFilter struct {
	Code     string  `json:"code,omitempty"`
	Type     string  `json:"type,omitempty"`
	City     string  `json:"city,omitempty"`
	MaxPrice float64 `json:"max_price,omitempty"`
	Limit    int     `json:"limit,omitempty"`
}

// Store is what the conversation orchestrator needs from persistence.
type Store interface {
	FindOrCreateContact(ctx context.Context, senderID, displayName string) (Contact, error)
	FindOrCreateConversation(ctx context.Context, contactID int64) (Conversation, error)
	SaveMessage(ctx context.Context, conversationID int64, content string, sender MessageSender, metadata map[string]any) error
	UpdateContactScore(ctx context.Context, contactID int64, event ScoreEvent) (int, error)
	OpenDeal(ctx context.Context, contactID int64) (Deal, error)
	CreateDeal(ctx context.Context, contactID int64, title, stage string) (Deal, error)
	AdvanceDealStage(ctx context.Context, dealID int64) (Deal, error)
}

// PropertyLookup resolves catalogue entries.
type PropertyLookup interface {
	Search(ctx context.Context, filter PropertyFilter) ([]Property, error)
}

// NextDealStage returns the stage after current; the last stage is sticky.
func NextDealStage(current string) string {
	for i, s := range DealStages {
		if s == current && i+1 < len(DealStages) {
			return DealStages[i+1]
		}
	}
	if current == "" {
		return DealStages[0]
	}
	return current
}

// ApplyScore adds the points for event to score, capped at MaxScore.
func ApplyScore(score int, event ScoreEvent) int {
	score += ScorePoints[event]
	if score > MaxScore {
		return MaxScore
	}
	return score
}
