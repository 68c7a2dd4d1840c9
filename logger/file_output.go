package logger

// FileConfig controls rotation of the server log file
type FileConfig struct {
	Filename   string
	MaxSize    int  // megabytes before a rotation
	MaxAge     int  // days a rotated file is kept
	MaxBackups int  // rotated files kept per log
	Compress   bool // gzip rotated files
}

const (
	defaultRotateSize    = 50
	defaultRotateAge     = 14
	defaultRotateBackups = 5
)

// withDefaults fills unset rotation knobs so a config that only names
// the log file still rotates.
func (fc *FileConfig) withDefaults() *FileConfig {
	out := *fc
	if out.MaxSize <= 0 {
		out.MaxSize = defaultRotateSize
	}
	if out.MaxAge <= 0 {
		out.MaxAge = defaultRotateAge
	}
	if out.MaxBackups <= 0 {
		out.MaxBackups = defaultRotateBackups
	}
	return &out
}
