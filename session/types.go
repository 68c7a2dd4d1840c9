package session

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// State is the lifecycle state of a brokered session
type State string

const (
	StateRequested    State = "requested"
	StateAdmitted     State = "admitted"
	StateActive       State = "active"
	StateEndedNormal  State = "ended-normal"
	StateEndedTimeout State = "ended-timeout"
	StateEndedForced  State = "ended-forced"
)

// Terminal reports whether the state is final. Terminal states never
// transition again.
func (s State) Terminal() bool {
	switch s {
	case StateEndedNormal, StateEndedTimeout, StateEndedForced:
		return true
	}
	return false
}

// EndReason explains why a session ended
type EndReason string

const (
	ReasonUserRequested EndReason = "user-requested"
	ReasonTimeout       EndReason = "timeout"
	ReasonForced        EndReason = "forced"
)

// ParseEndReason parses a string to EndReason
func ParseEndReason(s string) (EndReason, error) {
	switch EndReason(s) {
	case ReasonUserRequested, ReasonTimeout, ReasonForced:
		return EndReason(s), nil
	default:
		return "", fmt.Errorf("unknown end reason %q", s)
	}
}

// terminalState maps an end reason to its terminal state
func terminalState(reason EndReason) (State, error) {
	switch reason {
	case ReasonUserRequested:
		return StateEndedNormal, nil
	case ReasonTimeout:
		return StateEndedTimeout, nil
	case ReasonForced:
		return StateEndedForced, nil
	default:
		return "", fmt.Errorf("unknown end reason %q", reason)
	}
}

// Session is one brokered remote-access session. Terminal sessions are
// kept in durable storage for audit replay.
type Session struct {
	ID              string     `json:"id" mapstructure:"id"`
	UserID          string     `json:"user_id" mapstructure:"user_id"`
	VMID            string     `json:"vm_id" mapstructure:"vm_id"`
	State           State      `json:"state" mapstructure:"state"`
	StartedAt       time.Time  `json:"started_at" mapstructure:"-"`
	LastMonitoredAt *time.Time `json:"last_monitored_at,omitempty" mapstructure:"-"`
	EndedAt         *time.Time `json:"ended_at,omitempty" mapstructure:"-"`
	EndReason       EndReason  `json:"end_reason,omitempty" mapstructure:"end_reason"`

	// unreachableSince tracks how long the VM has been failing probes.
	// Runtime state only, never persisted.
	unreachableSince *time.Time
}

// Clone returns a copy safe to hand outside the manager's locks
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.LastMonitoredAt != nil {
		t := *s.LastMonitoredAt
		clone.LastMonitoredAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		clone.EndedAt = &t
	}
	if s.unreachableSince != nil {
		t := *s.unreachableSince
		clone.unreachableSince = &t
	}
	return &clone
}

func (s *Session) pairKey() string {
	return s.UserID + "/" + s.VMID
}

// asMap converts the session to the storage representation
func (s *Session) asMap() map[string]any {
	data := map[string]any{
		"id":         s.ID,
		"user_id":    s.UserID,
		"vm_id":      s.VMID,
		"state":      string(s.State),
		"end_reason": string(s.EndReason),
		"started_at": s.StartedAt.Format(time.RFC3339Nano),
	}
	if s.LastMonitoredAt != nil {
		data["last_monitored_at"] = s.LastMonitoredAt.Format(time.RFC3339Nano)
	}
	if s.EndedAt != nil {
		data["ended_at"] = s.EndedAt.Format(time.RFC3339Nano)
	}
	return data
}

// sessionFromMap decodes a storage representation into a Session
func sessionFromMap(data map[string]any) (*Session, error) {
	if len(data) == 0 {
		return nil, ErrSessionNotFound
	}

	var sess Session
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &sess,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(data); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}

	if ts, ok := parseMapTime(data, "started_at"); ok {
		sess.StartedAt = ts
	}
	if ts, ok := parseMapTime(data, "last_monitored_at"); ok {
		sess.LastMonitoredAt = &ts
	}
	if ts, ok := parseMapTime(data, "ended_at"); ok {
		sess.EndedAt = &ts
	}

	return &sess, nil
}

func parseMapTime(data map[string]any, key string) (time.Time, bool) {
	raw, ok := data[key].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
