package models

import (
	"fmt"
	"time"
)

type SessionType string

const (
	SessionLearning      SessionType = "learning"
	SessionTeaching      SessionType = "teaching"
	SessionCollaboration SessionType = "collaboration"
)

func (t SessionType) Valid() bool {
	switch t {
	case SessionLearning, SessionTeaching, SessionCollaboration:
		return true
	}
	return false
}

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
		return true
	}
	return false
}

// SessionTypes and Urgencies list every enum value, in the order the
// stats breakdowns report them.
var (
	SessionTypes = []SessionType{SessionLearning, SessionTeaching, SessionCollaboration}
	Urgencies    = []Urgency{UrgencyLow, UrgencyMedium, UrgencyHigh}
)

// JoinRequest is a participant's request to enter the matchmaking queue.
type JoinRequest struct {
	UserID          string      `json:"user_id"`
	PreferredSkills []string    `json:"preferred_skills"`
	SessionType     SessionType `json:"session_type"`
	MaxDuration     int         `json:"max_duration"` // minutes
	Urgency         Urgency     `json:"urgency"`
}

// QueueEntry is one waiting participant. The ID embeds the admission
// timestamp so a re-admission never collides with a prior entry.
type QueueEntry struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	PreferredSkills []string    `json:"preferred_skills"`
	SessionType     SessionType `json:"session_type"`
	MaxDuration     int         `json:"max_duration"`
	Urgency         Urgency     `json:"urgency"`
	JoinedAt        time.Time   `json:"joined_at"`
	ExpiresAt       time.Time   `json:"expires_at"`
	Priority        float64     `json:"priority"`
}

func NewEntryID(userID string, joinedAt time.Time) string {
	return fmt.Sprintf("%s_%d", userID, joinedAt.UnixMilli())
}

func (e *QueueEntry) Expired(now time.Time) bool {
	return e.ExpiresAt.Before(now)
}

// QueueStatus is derived per user on demand, never stored.
type QueueStatus struct {
	Position             int     `json:"position"` // 1-based, lower is sooner
	TotalInQueue         int     `json:"total_in_queue"`
	EstimatedWaitSeconds float64 `json:"estimated_wait_seconds"`
	AverageMatchSeconds  float64 `json:"average_match_seconds"`
}

// QueueStats is the aggregate view, cached briefly in the store.
// Estimated marks the degraded-mode fallback returned when the store
// is unreachable.
type QueueStats struct {
	TotalInQueue   int                 `json:"total_in_queue"`
	BySessionType  map[SessionType]int `json:"by_session_type"`
	ByUrgency      map[Urgency]int     `json:"by_urgency"`
	AvgWaitSeconds float64             `json:"avg_wait_seconds"`
	MatchesPerHour float64             `json:"matches_per_hour"`
	Estimated      bool                `json:"estimated"`
	LastUpdated    time.Time           `json:"last_updated"`
}
