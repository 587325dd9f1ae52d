package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/yousif447/Queue-Management-System-sub002/internal/models"
)

type Actor struct {
	UserID     string
	Role       string
	BusinessID string
}

const (
	RoleCustomer = "customer"
	RoleBusiness = "business"
)

type CreateTicketInput struct {
	RequestID  string
	BusinessID string
	UserID     string
	CreatedAt  time.Time
}

type CallNextInput struct {
	QueueID  string
	Actor    Actor
	CalledAt time.Time
}

type TicketActionInput struct {
	TicketID   string
	Actor      Actor
	OccurredAt time.Time
}

type QueueActionInput struct {
	QueueID string
	Actor   Actor
}

type TicketStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, bool, error)
	ListUserTickets(ctx context.Context, userID string) ([]models.Ticket, error)
	ListQueueTickets(ctx context.Context, queueID string) ([]models.Ticket, error)
	GetQueue(ctx context.Context, queueID string) (models.Queue, error)
	GetBusinessQueue(ctx context.Context, businessID string, date time.Time) (models.Queue, error)
	CallNext(ctx context.Context, input CallNextInput) (models.Ticket, bool, error)
	StartService(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	CompleteTicket(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	CancelTicket(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	NoShowTicket(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	ReactivateTicket(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	PauseQueue(ctx context.Context, input QueueActionInput) (models.Queue, error)
	ResumeQueue(ctx context.Context, input QueueActionInput) (models.Queue, error)
	ListOutboxEvents(ctx context.Context, offset OutboxOffset, limit int) ([]OutboxEvent, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
}

type Session struct {
	SessionID  string
	UserID     string
	Role       string
	BusinessID string
	ExpiresAt  time.Time
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	QueueID   string          `json:"queue_id"`
	UserID    string          `json:"user_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type OutboxOffset struct {
	LastEventTime time.Time
	LastEventID   string
}
