package trace

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Recorder consumes one LatencyRecord per request. Implementations must be
// safe for concurrent use; recording is pure emission and must not fail the
// owning request.
type Recorder interface {
	Record(LatencyRecord)
}

// LogRecorder emits each record as one structured logrus line.
type LogRecorder struct{}

// Record implements Recorder for LogRecorder.
func (LogRecorder) Record(rec LatencyRecord) {
	logrus.WithFields(logrus.Fields{
		"request_id": rec.RequestID,
		"task_type":  rec.TaskType,
		"pool":       rec.TargetPool,
		"outcome":    rec.Outcome,
		"total_ms":   rec.TotalMS,
	}).Info("request complete")
}

// FileRecorder appends records as JSON lines to a file.
type FileRecorder struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileRecorder opens (or creates) the append-only record file.
func NewFileRecorder(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileRecorder{file: f, enc: json.NewEncoder(f)}, nil
}

// Record implements Recorder for FileRecorder.
func (fr *FileRecorder) Record(rec LatencyRecord) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if err := fr.enc.Encode(rec); err != nil {
		logrus.Warnf("[trace] failed to append latency record for %s: %v", rec.RequestID, err)
	}
}

// Close flushes and closes the underlying file.
func (fr *FileRecorder) Close() error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.file.Close()
}

// MultiRecorder fans one record out to several sinks.
type MultiRecorder []Recorder

// Record implements Recorder for MultiRecorder.
func (m MultiRecorder) Record(rec LatencyRecord) {
	for _, r := range m {
		r.Record(rec)
	}
}
