package launch

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the upstream launch status.
type Status string

const (
	StatusGo             Status = "GO"
	StatusHold           Status = "HOLD"
	StatusTBD            Status = "TBD"
	StatusTBC            Status = "TBC"
	StatusFlying         Status = "FLYING"
	StatusSuccess        Status = "SUCCESS"
	StatusFailure        Status = "FAILURE"
	StatusPartialFailure Status = "PARTIAL_FAILURE"
)

// Launched reports whether the status is terminal.
func (s Status) Launched() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusPartialFailure:
		return true
	}
	return false
}

// ParseStatus normalizes an upstream status string. Unknown values map to TBD
// so that they never get scheduled.
func ParseStatus(s string) Status {
	switch strings.ToUpper(strings.NewReplacer(" ", "_", "-", "_").Replace(strings.TrimSpace(s))) {
	case "GO":
		return StatusGo
	case "HOLD":
		return StatusHold
	case "TBC":
		return StatusTBC
	case "FLYING", "IN_FLIGHT":
		return StatusFlying
	case "SUCCESS":
		return StatusSuccess
	case "FAILURE":
		return StatusFailure
	case "PARTIAL_FAILURE", "PFAILURE":
		return StatusPartialFailure
	default:
		return StatusTBD
	}
}

// Snapshot is one event as reported by the upstream source in a single fetch.
type Snapshot struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	NetUnix      int64  `json:"net_unix"`
	Status       Status `json:"status"`
	ProviderKey  string `json:"provider_key"`
	ProviderName string `json:"provider_name,omitempty"`
	Launched     bool   `json:"launched"`

	// Details is passed through to the message composer untouched.
	Details json.RawMessage `json:"details,omitempty"`
}

// IsLaunched combines the explicit flag with the status.
func (s Snapshot) IsLaunched() bool { return s.Launched || s.Status.Launched() }

// Net returns the net as a time.
func (s Snapshot) Net() time.Time { return time.Unix(s.NetUnix, 0) }

// Event is the persisted row for one tracked launch.
type Event struct {
	Snapshot

	Notified         Flags     `json:"notified"`
	MutedBy          []int64   `json:"muted_by,omitempty"`
	SentMessages     []Receipt `json:"sent_messages,omitempty"`
	LastReconciledAt int64     `json:"last_reconciled_at"`
}

// IsMutedBy reports whether chatID opted out of this event.
func (e Event) IsMutedBy(chatID int64) bool {
	for _, id := range e.MutedBy {
		if id == chatID {
			return true
		}
	}
	return false
}

// Postponement describes a slip that rearmed at least one notification.
type Postponement struct {
	EventID  string  `json:"event_id"`
	OldNet   int64   `json:"old_net"`
	NewNet   int64   `json:"new_net"`
	Rearmed  []Class `json:"rearmed"`
	Previous Flags   `json:"previous"`
}

// Slip returns new net minus old net.
func (p Postponement) Slip() time.Duration {
	return time.Duration(p.NewNet-p.OldNet) * time.Second
}
