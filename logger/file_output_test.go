package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileConfigDefaults(t *testing.T) {
	fc := (&FileConfig{Filename: "logs/vmgate.log"}).withDefaults()
	require.Equal(t, defaultRotateSize, fc.MaxSize)
	require.Equal(t, defaultRotateAge, fc.MaxAge)
	require.Equal(t, defaultRotateBackups, fc.MaxBackups)

	// Explicit settings survive untouched
	fc = (&FileConfig{Filename: "logs/vmgate.log", MaxSize: 200, MaxBackups: 2}).withDefaults()
	require.Equal(t, 200, fc.MaxSize)
	require.Equal(t, 2, fc.MaxBackups)
	require.Equal(t, defaultRotateAge, fc.MaxAge)
}
