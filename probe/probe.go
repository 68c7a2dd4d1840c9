package probe

import (
	"context"
	"net"
	"time"
)

// Health is the result of one reachability check
type Health struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
	Detail    string        `json:"detail,omitempty"`
}

// Prober checks whether a VM is reachable. The monitor loop and the
// on-demand monitor endpoint share one prober.
type Prober interface {
	Probe(ctx context.Context, vmID string) (*Health, error)
}

// AddressFunc resolves a VM identifier to a dialable host:port
type AddressFunc func(vmID string) (string, error)

// TCPProber checks reachability with a plain TCP dial
type TCPProber struct {
	// Resolve maps vmID to host:port. When nil the vmID is dialed as-is.
	Resolve AddressFunc
	Timeout time.Duration
}

// NewTCPProber creates a prober with the given dial timeout
func NewTCPProber(timeout time.Duration, resolve AddressFunc) *TCPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TCPProber{
		Resolve: resolve,
		Timeout: timeout,
	}
}

func (p *TCPProber) Probe(ctx context.Context, vmID string) (*Health, error) {
	address := vmID
	if p.Resolve != nil {
		resolved, err := p.Resolve(vmID)
		if err != nil {
			return nil, err
		}
		address = resolved
	}

	dialer := &net.Dialer{Timeout: p.Timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", address)
	health := &Health{
		Latency:   time.Since(start),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		health.Reachable = false
		health.Detail = err.Error()
		return health, nil
	}
	conn.Close()
	health.Reachable = true
	return health, nil
}
