package audit

import (
	"context"
	"encoding/json"
)

// JSONFormat implements the Format interface for JSON output
type JSONFormat struct {
	prefix     string
	saltFn     SaltFunc
	saltFields []string
}

// NewJSONFormat creates a new JSON format
func NewJSONFormat(opts ...JSONFormatOption) *JSONFormat {
	f := &JSONFormat{}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// JSONFormatOption is a functional option for JSONFormat
type JSONFormatOption func(*JSONFormat)

// WithPrefix sets a prefix for each log line
func WithPrefix(prefix string) JSONFormatOption {
	return func(f *JSONFormat) {
		f.prefix = prefix
	}
}

// WithSaltFunc sets a salt function for sensitive metadata
func WithSaltFunc(fn SaltFunc) JSONFormatOption {
	return func(f *JSONFormat) {
		f.saltFn = fn
	}
}

// WithSaltFields sets metadata fields to salt in the output
func WithSaltFields(fields []string) JSONFormatOption {
	return func(f *JSONFormat) {
		f.saltFields = fields
	}
}

// FormatEvent formats an event as JSON. The event is cloned before any
// salting so the caller's copy is never mutated.
func (f *JSONFormat) FormatEvent(ctx context.Context, event *Event) ([]byte, error) {
	entry := event.Clone()

	if f.saltFn != nil && len(f.saltFields) > 0 && entry.Metadata != nil {
		for _, field := range f.saltFields {
			raw, ok := entry.Metadata[field]
			if !ok {
				continue
			}
			str, ok := raw.(string)
			if !ok {
				continue
			}
			salted, err := f.saltFn(ctx, str)
			if err != nil {
				return nil, err
			}
			entry.Metadata[field] = salted
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	if f.prefix != "" {
		data = append([]byte(f.prefix), data...)
	}

	return data, nil
}

// Name returns the format name
func (f *JSONFormat) Name() string {
	return "json"
}
