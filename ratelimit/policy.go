package ratelimit

import (
	"fmt"
	"time"
)

// Class identifies a rate admission class. Each endpoint class carries its
// own window and ceiling so abuse of one surface cannot borrow headroom
// from another.
type Class string

const (
	// ClassGeneralAPI covers all authenticated API traffic
	ClassGeneralAPI Class = "general-api"

	// ClassAuthentication covers login/credential-exchange endpoints
	ClassAuthentication Class = "authentication"

	// ClassVMConnection covers the connection-initiation endpoint
	ClassVMConnection Class = "vm-connection"

	// ClassDownload covers connection-artifact download
	ClassDownload Class = "download"

	// ClassPerUser covers identity-scoped overrides, keyed by "user:{id}"
	ClassPerUser Class = "per-user"
)

// Limit is a (window, max requests) pair for one class
type Limit struct {
	Window      time.Duration
	MaxRequests int64
}

// Policy maps classes to their limits
type Policy map[Class]Limit

// DefaultPolicy returns the default class table
func DefaultPolicy() Policy {
	return Policy{
		ClassGeneralAPI:     {Window: 15 * time.Minute, MaxRequests: 100},
		ClassAuthentication: {Window: 15 * time.Minute, MaxRequests: 5},
		ClassVMConnection:   {Window: 5 * time.Minute, MaxRequests: 10},
		ClassDownload:       {Window: 1 * time.Minute, MaxRequests: 20},
		ClassPerUser:        {Window: 15 * time.Minute, MaxRequests: 50},
	}
}

// FailsClosed reports whether an unreachable counting store should deny
// requests for this class. Authentication and connection initiation keep
// their brute-force protection even when the store is down; everything
// else degrades to unrestricted.
func (c Class) FailsClosed() bool {
	return c == ClassAuthentication || c == ClassVMConnection
}

// Validate checks the policy for unusable entries
func (p Policy) Validate() error {
	for class, limit := range p {
		if limit.Window <= 0 {
			return fmt.Errorf("class %q: window must be positive", class)
		}
		if limit.MaxRequests <= 0 {
			return fmt.Errorf("class %q: max requests must be positive", class)
		}
	}
	return nil
}

// UserScopeKey builds the identity-scoped key for per-user limits
func UserScopeKey(userID string) string {
	return "user:" + userID
}
