package training

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TimeLayout is the timestamp format of the run log.
const TimeLayout = time.ANSIC

// RunLog is the append-only, human-readable record of a run. Every line is
// synced to disk as soon as it is written, so an interrupted run keeps all
// completed epochs.
type RunLog struct {
	f    *os.File
	path string
}

// RunLogName returns the log file name of a run.
func RunLogName(runID string) string {
	return fmt.Sprintf("train_%s.log", runID)
}

// OpenRunLog creates the log file of runID inside dir. It fails if the file
// already exists.
func OpenRunLog(dir, runID string) (*RunLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(dir, RunLogName(runID))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	return &RunLog{f: f, path: path}, nil
}

// Path returns the location of the log file.
func (l *RunLog) Path() string { return l.path }

// Start writes the start marker.
func (l *RunLog) Start(at time.Time) error {
	return l.writeLine(fmt.Sprintf("START TIME: %s.", at.Format(TimeLayout)))
}

// Epoch writes the record of one completed epoch.
func (l *RunLog) Epoch(rec EpochRecord, total int) error {
	return l.writeLine(fmt.Sprintf("[%s]: %s", rec.Time.Format(TimeLayout), rec.summary(total)))
}

// Stopped writes why the run ended before its last epoch.
func (l *RunLog) Stopped(o Outcome) error {
	return l.writeLine(fmt.Sprintf("STOPPED: %s.", o.Reason))
}

// Stop writes the stop marker.
func (l *RunLog) Stop(at time.Time) error {
	return l.writeLine(fmt.Sprintf("STOP TIME: %s.", at.Format(TimeLayout)))
}

func (l *RunLog) writeLine(line string) error {
	if l.f == nil {
		return fmt.Errorf("run log %s is closed", l.path)
	}
	if _, err := l.f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write run log: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync run log: %w", err)
	}
	return nil
}

// Close closes the file. Closing twice is a no-op.
func (l *RunLog) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
