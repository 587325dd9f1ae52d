package store

import "errors"

var (
	ErrBusinessNotFound  = errors.New("business not found")
	ErrQueueNotFound     = errors.New("queue not found")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrQueuePaused       = errors.New("queue paused")
	ErrQueueFull         = errors.New("queue full")
	ErrQueueEmpty        = errors.New("no waiting ticket")
	ErrSlotOccupied      = errors.New("another ticket is being served")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnauthorized      = errors.New("actor not allowed")
	ErrSessionNotFound   = errors.New("session not found")
)
