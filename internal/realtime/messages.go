package realtime

import (
	"time"

	"github.com/shopspring/decimal"
)

// Clients tell hints from orders by the presence of "type" or "command".
const (
	TypeTimeLeft = "timeleft"
	TypeSession  = "session"

	CommandLock   = "lock"
	CommandUnlock = "unlock"
)

// Session event names
const (
	EventStarted = "started"
	EventStopped = "stopped"
)

// TimeLeft tells a PC how many minutes its occupant has left.
type TimeLeft struct {
	Type    string `json:"type"`
	Minutes int64  `json:"minutes"`
}

// NewTimeLeft builds a time-left hint.
func NewTimeLeft(minutes int64) TimeLeft {
	return TimeLeft{Type: TypeTimeLeft, Minutes: minutes}
}

// Command is an imperative message for a PC client.
type Command struct {
	Command string         `json:"command"`
	PCID    string         `json:"pc_id,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// Lock is the command sent when play-time runs out.
func Lock() Command {
	return Command{Command: CommandLock}
}

// SessionEvent informs admin consoles about session lifecycle changes.
type SessionEvent struct {
	Type      string           `json:"type"`
	Event     string           `json:"event"`
	SessionID string           `json:"session_id"`
	PCID      string           `json:"pc_id"`
	UserID    string           `json:"user_id"`
	Paid      *bool            `json:"paid,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

func kindOf(msg any) string {
	switch m := msg.(type) {
	case TimeLeft:
		return TypeTimeLeft
	case Command:
		return "command_" + m.Command
	case SessionEvent:
		return TypeSession
	default:
		return "other"
	}
}
