package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/yourusername/quotagate/core"
)

// FallbackConfig for the local degraded-mode log
type FallbackConfig struct {
	Path       string // File path (default: local_logs.jsonl)
	MaxSizeMB  int    // Rotate after this many megabytes (default: 50)
	MaxBackups int    // Rotated files to keep (default: 5)
}

// Fallback is an append-only JSON-lines file that receives non-counting writes
// while the primary store is unreachable.
type Fallback struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

type fallbackRecord struct {
	Kind   string           `json:"kind"`
	Caller string           `json:"caller"`
	Time   time.Time        `json:"time"`
	Entry  *core.AuditEntry `json:"entry,omitempty"`
}

// NewFallback opens (lazily) the fallback file
func NewFallback(config FallbackConfig) *Fallback {
	if config.Path == "" {
		config.Path = "local_logs.jsonl"
	}
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = 50
	}
	if config.MaxBackups <= 0 {
		config.MaxBackups = 5
	}

	return &Fallback{
		out: &lumberjack.Logger{
			Filename:   config.Path,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
		},
	}
}

// WriteCall appends a call record
func (f *Fallback) WriteCall(callerID string, at time.Time) error {
	return f.write(fallbackRecord{Kind: "call", Caller: callerID, Time: at.UTC()})
}

// WriteAudit appends one record per audit entry
func (f *Fallback) WriteAudit(entries []core.AuditEntry) error {
	records := make([]fallbackRecord, 0, len(entries))
	for i := range entries {
		e := entries[i]
		records = append(records, fallbackRecord{Kind: "audit", Caller: e.Caller, Time: e.Time.UTC(), Entry: &e})
	}
	return f.write(records...)
}

func (f *Fallback) write(records ...fallbackRecord) error {
	var buf []byte
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode fallback record: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if len(buf) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.out.Write(buf); err != nil {
		return fmt.Errorf("failed to write fallback log: %w", err)
	}
	return nil
}

// Close closes the underlying file
func (f *Fallback) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Close()
}
