//go:build !stdlog && !nolog
// +build !stdlog,!nolog

package build

// LoggingType is a log type that writes to the handler the host binary
// installs, stderr and optionally a rotated log file.
const LoggingType = LogTypeDefault

// Write forwards to the rotator pipe, if present.
func (w *LogWriter) Write(b []byte) (int, error) {
	if w.RotatorPipe != nil {
		return w.RotatorPipe.Write(b)
	}

	return len(b), nil
}
