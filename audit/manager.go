package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/stephnangue/vmgate/helper"
	"github.com/stephnangue/vmgate/logger"
)

// manager implements the Manager interface
type manager struct {
	mu       sync.RWMutex
	devices  map[string]Device
	log      *logger.GatedLogger
	parallel bool // Whether to log to devices in parallel
}

// ManagerConfig contains configuration for the audit manager
type ManagerConfig struct {
	// Parallel enables concurrent logging to multiple devices (default: true)
	// Set to false if you need strict ordering across all devices
	Parallel bool

	Logger *logger.GatedLogger
}

// NewManager creates a new audit manager
func NewManager(log *logger.GatedLogger) Manager {
	return &manager{
		devices:  make(map[string]Device),
		log:      log,
		parallel: true,
	}
}

// NewManagerWithConfig creates a new audit manager with custom configuration
func NewManagerWithConfig(config ManagerConfig) Manager {
	return &manager{
		devices:  make(map[string]Device),
		parallel: config.Parallel,
		log:      config.Logger,
	}
}

// RegisterDevice registers a new audit device
func (m *manager) RegisterDevice(name string, device Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	m.devices[name] = device
	return nil
}

// UnregisterDevice unregisters an audit device
func (m *manager) UnregisterDevice(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, exists := m.devices[name]
	if !exists {
		return fmt.Errorf("device %q not found", name)
	}

	if err := device.Close(); err != nil {
		return fmt.Errorf("failed to close device: %w", err)
	}

	delete(m.devices, name)
	return nil
}

// ListDevices returns all registered devices
func (m *manager) ListDevices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.devices))
	for name := range m.devices {
		names = append(names, name)
	}

	return names
}

// LogEvent logs an event to all enabled devices.
// Returns (continue, error) where continue is true if at least one device succeeded.
func (m *manager) LogEvent(ctx context.Context, event *Event) (bool, error) {
	if event.EventID == "" {
		event.EventID = helper.GenerateRequestID()
	}

	m.mu.RLock()
	if len(m.devices) == 0 {
		m.mu.RUnlock()
		return false, nil
	}

	devices := make([]Device, 0, len(m.devices))
	parallel := m.parallel
	for _, device := range m.devices {
		if device.Enabled() {
			devices = append(devices, device)
		}
	}
	m.mu.RUnlock()

	if len(devices) == 0 {
		return false, nil
	}

	// Single device optimization - no need for goroutines or channels
	if len(devices) == 1 {
		if err := devices[0].LogEvent(ctx, event); err != nil {
			return false, fmt.Errorf("device %q: %w", devices[0].Name(), err)
		}
		return true, nil
	}

	if parallel {
		return m.logParallel(ctx, devices, event)
	}
	return m.logSequential(ctx, devices, event)
}

// logParallel logs to all devices concurrently
func (m *manager) logParallel(ctx context.Context, devices []Device, event *Event) (bool, error) {
	type result struct {
		name string
		err  error
	}

	results := make(chan result, len(devices))

	// Fan-out: log to all devices concurrently
	for _, device := range devices {
		go func(d Device) {
			results <- result{name: d.Name(), err: d.LogEvent(ctx, event)}
		}(device)
	}

	// Fan-in: collect all results
	var errs *multierror.Error
	atLeastOneSuccess := false
	for i := 0; i < len(devices); i++ {
		res := <-results
		if res.err == nil {
			atLeastOneSuccess = true
		} else {
			errs = multierror.Append(errs, fmt.Errorf("device %q: %w", res.name, res.err))
		}
	}

	return atLeastOneSuccess, errs.ErrorOrNil()
}

// logSequential logs to all devices one by one
func (m *manager) logSequential(ctx context.Context, devices []Device, event *Event) (bool, error) {
	var errs *multierror.Error
	atLeastOneSuccess := false

	for _, device := range devices {
		if err := device.LogEvent(ctx, event); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("device %q: %w", device.Name(), err))
		} else {
			atLeastOneSuccess = true
		}
	}

	return atLeastOneSuccess, errs.ErrorOrNil()
}

// Close closes all devices
func (m *manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs *multierror.Error
	for name, device := range m.devices {
		if err := device.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("device %q: %w", name, err))
		}
	}

	return errs.ErrorOrNil()
}
