package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/luminachat/lumina/internal/ai"
)

const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

type Chat struct {
	ID         string    `gorm:"primaryKey;size:26" json:"id"` // ULID
	OwnerID    string    `gorm:"type:varchar(64);index;not null" json:"-"`
	Title      string    `gorm:"type:varchar(255);not null" json:"title"`
	Visibility string    `gorm:"type:varchar(16);not null;default:private" json:"visibility"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

type Message struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"` // UUID
	ChatID      string    `gorm:"size:26;index;not null" json:"chat_id"`
	Role        string    `gorm:"type:varchar(16);index;not null" json:"role"`
	Parts       string    `gorm:"type:text;not null" json:"-"` // JSON-encoded []ai.Part
	Attachments string    `gorm:"type:text" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// newMessageID returns a time-ordered (v7) uuid so the id column is a stable
// tiebreaker for messages created within the same timestamp.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SetParts stores the structured parts as JSON.
func (m *Message) SetParts(parts []ai.Part) error {
	b, err := json.Marshal(parts)
	if err != nil {
		return err
	}
	m.Parts = string(b)
	return nil
}

// GetParts decodes the stored parts. A legacy plain-text column value is
// returned as a single text part.
func (m *Message) GetParts() []ai.Part {
	var parts []ai.Part
	if err := json.Unmarshal([]byte(m.Parts), &parts); err != nil {
		return []ai.Part{{Type: "text", Text: m.Parts}}
	}
	return parts
}

// Text concatenates the message's text parts.
func (m *Message) Text() string {
	var out string
	for _, p := range m.GetParts() {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

type TitleJobStatus string

const (
	TitleJobQueued    TitleJobStatus = "queued"
	TitleJobRunning   TitleJobStatus = "running"
	TitleJobSucceeded TitleJobStatus = "succeeded"
	TitleJobFailed    TitleJobStatus = "failed"
)

// TitleJob is a queued request to replace a chat's provisional title with a
// generated one. At most one job exists per chat.
type TitleJob struct {
	ID     string `gorm:"primaryKey;size:26"` // ULID
	ChatID string `gorm:"size:26;uniqueIndex;not null"`

	// Prompt is the user text the title should summarize.
	Prompt string `gorm:"type:text;not null"`

	Status TitleJobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TitleJob) TableName() string { return "chat_title_jobs" }
