package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// device implements the Device interface by combining a format and a sink
type device struct {
	name    string
	format  Format
	sink    Sink
	enabled atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// NewDevice creates a new audit device
func NewDevice(name string, format Format, sink Sink) Device {
	d := &device{
		name:   name,
		format: format,
		sink:   sink,
	}
	d.enabled.Store(true)
	return d
}

// LogEvent formats and writes an event to the sink
func (d *device) LogEvent(ctx context.Context, event *Event) error {
	if !d.enabled.Load() {
		return nil
	}

	data, err := d.format.FormatEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to format event: %w", err)
	}

	if err := d.sink.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to write to sink %q: %w", d.sink.Name(), err)
	}

	return nil
}

// Close closes the underlying sink
func (d *device) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.sink.Close()
	})
	return d.closeErr
}

// Name returns the device name
func (d *device) Name() string {
	return d.name
}

// Enabled returns whether the device is enabled
func (d *device) Enabled() bool {
	return d.enabled.Load()
}

// SetEnabled sets the enabled state
func (d *device) SetEnabled(enabled bool) {
	d.enabled.Store(enabled)
}
