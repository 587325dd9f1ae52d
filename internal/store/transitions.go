package store

import "github.com/yousif447/Queue-Management-System-sub002/internal/models"

// transitionMap lists, per action, the statuses the ticket may be in when
// the action is applied. completed and cancelled appear in no list: they
// are terminal.
var transitionMap = map[string][]string{
	"call":       {models.StatusWaiting},
	"start":      {models.StatusCalled},
	"complete":   {models.StatusInProgress},
	"cancel":     {models.StatusWaiting},
	"no_show":    {models.StatusWaiting, models.StatusCalled},
	"reactivate": {models.StatusMissed},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// AllowedFrom returns the source statuses for an action, for use in
// conditional updates.
func AllowedFrom(action string) []string {
	return transitionMap[action]
}
