package models

import "time"

type Ticket struct {
	TicketID             string     `json:"ticket_id"`
	TicketNumber         int        `json:"ticket_number"`
	QueueID              string     `json:"queue_id"`
	BusinessID           string     `json:"business_id"`
	UserID               string     `json:"user_id"`
	Status               string     `json:"status"`
	CreatedAt            time.Time  `json:"created_at"`
	RequestID            string     `json:"request_id,omitempty"`
	CalledAt             *time.Time `json:"called_at,omitempty"`
	ServedAt             *time.Time `json:"served_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	Position             int        `json:"position"`
	EstimatedWaitMinutes int        `json:"estimated_wait_minutes"`
}

const (
	StatusWaiting    = "waiting"
	StatusCalled     = "called"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusMissed     = "missed"
	StatusCancelled  = "cancelled"
)
