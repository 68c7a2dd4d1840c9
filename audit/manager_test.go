package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type failingSink struct{}

func (f *failingSink) Write(ctx context.Context, entry []byte) error {
	return errors.New("sink write failed")
}
func (f *failingSink) Close() error  { return nil }
func (f *failingSink) Name() string  { return "failing" }
func (f *failingSink) Type() string  { return "failing" }

func testEvent() *Event {
	return &Event{
		Action:    ActionCredentialStore,
		ActorID:   "admin-1",
		TargetID:  "vm-7",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Metadata:  map[string]interface{}{"conn_type": "rdp"},
	}
}

func TestManager_LogEvent_SingleDevice(t *testing.T) {
	m := NewManager(nil)
	sink := NewMemorySink("test")
	require.NoError(t, m.RegisterDevice("mem", NewDevice("mem", NewJSONFormat(), sink)))

	ok, err := m.LogEvent(context.Background(), testEvent())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, sink.Len())

	var decoded Event
	require.NoError(t, json.Unmarshal(sink.Entries()[0], &decoded))
	require.Equal(t, ActionCredentialStore, decoded.Action)
	require.Equal(t, "vm-7", decoded.TargetID)
}

func TestManager_LogEvent_NoDevices(t *testing.T) {
	m := NewManager(nil)

	ok, err := m.LogEvent(context.Background(), testEvent())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManager_LogEvent_PartialFailure(t *testing.T) {
	m := NewManagerWithConfig(ManagerConfig{Parallel: true})
	good := NewMemorySink("good")
	require.NoError(t, m.RegisterDevice("good", NewDevice("good", NewJSONFormat(), good)))
	require.NoError(t, m.RegisterDevice("bad", NewDevice("bad", NewJSONFormat(), &failingSink{})))

	ok, err := m.LogEvent(context.Background(), testEvent())
	require.Error(t, err)
	require.True(t, ok, "at least one device succeeded, processing should continue")
	require.Equal(t, 1, good.Len())
}

func TestManager_RegisterDuplicate(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.RegisterDevice("mem", NewDevice("mem", NewJSONFormat(), NewMemorySink("a"))))
	require.Error(t, m.RegisterDevice("mem", NewDevice("mem", NewJSONFormat(), NewMemorySink("b"))))
}

func TestManager_DisabledDeviceSkipped(t *testing.T) {
	m := NewManager(nil)
	sink := NewMemorySink("test")
	dev := NewDevice("mem", NewJSONFormat(), sink)
	dev.SetEnabled(false)
	require.NoError(t, m.RegisterDevice("mem", dev))

	ok, err := m.LogEvent(context.Background(), testEvent())
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, sink.Len())
}

func TestJSONFormat_SaltFields(t *testing.T) {
	hmacer := NewHMACer("audit-salt-key")
	f := NewJSONFormat(
		WithSaltFunc(hmacer.SaltFunc()),
		WithSaltFields([]string{"username"}),
	)

	event := testEvent()
	event.Metadata["username"] = "admin"

	data, err := f.FormatEvent(context.Background(), event)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Contains(t, decoded.Metadata["username"], "hmac-sha256:")

	// Original event must not be mutated
	require.Equal(t, "admin", event.Metadata["username"])
}
