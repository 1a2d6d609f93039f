package load

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/block/lakemirror/pkg/dest"
	"github.com/siddontang/loggers"
)

// DestLogger duplicates pipeline log records into a buffer that is flushed
// to meta/log.jsonl on exit, so every destination carries the history of
// its own loads. Flush is called on every exit path, success or failure.
type DestLogger struct {
	mu      sync.Mutex
	logger  loggers.Advanced
	file    dest.Destination
	records []logRecord
}

type logRecord struct {
	Time    time.Time `json:"ts"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	SQL     string    `json:"sql,omitempty"`
}

func NewDestLogger(file dest.Destination, logger loggers.Advanced) *DestLogger {
	return &DestLogger{logger: logger, file: file}
}

func (d *DestLogger) append(level, msg, sql string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, logRecord{Time: time.Now().UTC(), Level: level, Message: msg, SQL: sql})
}

func (d *DestLogger) Debugf(format string, args ...any) {
	d.logger.Debugf(format, args...)
	d.append("debug", fmt.Sprintf(format, args...), "")
}

func (d *DestLogger) Infof(format string, args ...any) {
	d.logger.Infof(format, args...)
	d.append("info", fmt.Sprintf(format, args...), "")
}

func (d *DestLogger) Warnf(format string, args ...any) {
	d.logger.Warnf(format, args...)
	d.append("warn", fmt.Sprintf(format, args...), "")
}

func (d *DestLogger) Errorf(format string, args ...any) {
	d.logger.Errorf(format, args...)
	d.append("error", fmt.Sprintf(format, args...), "")
}

// SQLf records an executed statement alongside the message.
func (d *DestLogger) SQLf(sql string, format string, args ...any) {
	d.logger.Debugf("%s sql=%s", fmt.Sprintf(format, args...), sql)
	d.append("debug", fmt.Sprintf(format, args...), sql)
}

// Flush appends the buffered records to the destination log file.
// Safe to call multiple times; flushed records are not re-written.
func (d *DestLogger) Flush() error {
	d.mu.Lock()
	records := d.records
	d.records = nil
	d.mu.Unlock()
	if len(records) == 0 {
		return nil
	}
	var sb strings.Builder
	prior, err := d.file.Exists()
	if err == nil && prior {
		if content, err := d.file.ReadString(); err == nil {
			sb.WriteString(content)
		}
	}
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		sb.Write(b)
		sb.WriteString("\n")
	}
	return d.file.UploadString(sb.String())
}
