// Package queue derives a ticket's place in line from queue counter state.
// The store persists status and numbers; position and ETA are always
// computed from those, never stored as a source of truth.
package queue

import "github.com/yousif447/Queue-Management-System-sub002/internal/models"

type Placement struct {
	Position             int
	EstimatedWaitMinutes int
}

// Compute returns the placement for a ticket given the queue's current
// number and the injected average service duration. A waiting ticket's
// position is its distance from the head, clamped to 1 so a reactivated
// ticket whose number was already passed rejoins directly behind the
// ticket being served. A called ticket is next up; anything in service or
// terminal has no position.
func Compute(status string, ticketNumber, currentNumber, avgServiceMinutes int) Placement {
	switch status {
	case models.StatusWaiting:
		position := ticketNumber - currentNumber
		if position < 1 {
			position = 1
		}
		return Placement{
			Position:             position,
			EstimatedWaitMinutes: position * avgServiceMinutes,
		}
	case models.StatusCalled:
		return Placement{Position: 1, EstimatedWaitMinutes: avgServiceMinutes}
	default:
		return Placement{}
	}
}

// Apply stamps the derived fields onto a ticket.
func Apply(ticket *models.Ticket, currentNumber, avgServiceMinutes int) {
	placement := Compute(ticket.Status, ticket.TicketNumber, currentNumber, avgServiceMinutes)
	ticket.Position = placement.Position
	ticket.EstimatedWaitMinutes = placement.EstimatedWaitMinutes
}

// PeopleBefore is the number of tickets ahead of a placement.
func PeopleBefore(p Placement) int {
	if p.Position <= 0 {
		return 0
	}
	return p.Position - 1
}
