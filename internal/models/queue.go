package models

// Queue is one business's line for one operating day. CurrentNumber counts
// tickets fully processed or skipped; LastIssued is the numbering sequence.
// A new day means a new Queue row, never a reset of an existing one.
type Queue struct {
	QueueID           string `json:"queue_id"`
	BusinessID        string `json:"business_id"`
	QueueDate         string `json:"queue_date"`
	CurrentNumber     int    `json:"current_number"`
	LastIssued        int    `json:"last_issued"`
	Status            string `json:"status"`
	MaxPerDay         int    `json:"max_per_day"`
	AvgServiceMinutes int    `json:"avg_service_minutes"`
	TotalWaiting      int    `json:"total_waiting"`
	FullyBooked       bool   `json:"fully_booked"`
}

const (
	QueueActive = "active"
	QueuePaused = "paused"
)

// IsFullyBooked reports whether another admission would exceed the day cap.
func IsFullyBooked(currentNumber, waiting, maxPerDay int) bool {
	return currentNumber+waiting >= maxPerDay
}
