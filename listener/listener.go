package listener

import "context"

// Listener is a network front end with an explicit lifecycle
type Listener interface {
	Addr() string
	Start(ctx context.Context) error
	Stop() error
	Type() string
}
