package domain

import (
	"strings"
	"time"
)

// CallStatus is the state of an outbound call intent.
type CallStatus string

// Call statuses.
const (
	CallQueued    CallStatus = "queued"
	CallRinging   CallStatus = "ringing"
	CallAccepted  CallStatus = "accepted"
	CallCompleted CallStatus = "completed"
	CallMissed    CallStatus = "missed"
	CallDeclined  CallStatus = "declined"
	CallFailed    CallStatus = "failed"
)

var callEdges = map[CallStatus][]CallStatus{
	CallQueued:   {CallRinging, CallFailed},
	CallRinging:  {CallAccepted, CallMissed, CallDeclined, CallFailed},
	CallAccepted: {CallCompleted, CallFailed},
}

// ParseCallStatus normalizes client input. "ended" is an alias of completed.
func ParseCallStatus(s string) (CallStatus, bool) {
	st := CallStatus(strings.ToLower(strings.TrimSpace(s)))
	if st == "ended" {
		return CallCompleted, true
	}
	switch st {
	case CallQueued, CallRinging, CallAccepted, CallCompleted, CallMissed, CallDeclined, CallFailed:
		return st, true
	}
	return "", false
}

// IsTerminal reports whether no further transition is allowed.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallCompleted, CallMissed, CallDeclined, CallFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to CallStatus) bool {
	for _, next := range callEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CallIntent is a request to ring the user on behalf of a bot.
type CallIntent struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	ChatID       string     `json:"chat_id"`
	ReminderID   string     `json:"reminder_id,omitempty"`
	Status       CallStatus `json:"status"`
	RingMessage  string     `json:"ring_message,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	RingingAt    *time.Time `json:"ringing_at,omitempty"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	EndReason    string     `json:"end_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
