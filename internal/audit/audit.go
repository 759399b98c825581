// Package audit appends security events to a JSON Lines trail. Logging
// is best-effort: a write failure must never fail the operation that
// triggered it.
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/noteriver/tagvault/internal/logx"
)

// Entry represents a single audit log entry.
type Entry struct {
	Timestamp string `json:"ts"`   // RFC3339 with microseconds.
	Event     string `json:"ev"`   // Event name.
	UserID    string `json:"user,omitempty"`
	TagID     string `json:"tag_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	VaultID   string `json:"vault_id,omitempty"`
	ObjectID  string `json:"object_id,omitempty"`
	RemoteIP  string `json:"remote_ip,omitempty"`
	Outcome   string `json:"outcome,omitempty"` // "ok" or "denied".
	Detail    string `json:"detail,omitempty"`
}

// Event names recorded by the server.
const (
	EventTagRegister    = "tag.register"
	EventTagUpdate      = "tag.update"
	EventTagDelete      = "tag.delete"
	EventAuthInit       = "auth.init"
	EventAuthFinalize   = "auth.finalize"
	EventSessionRefresh = "session.refresh"
	EventSessionRevoke  = "session.revoke"
	EventSessionExpired = "session.expired"
	EventVaultUpload    = "vault.upload"
	EventVaultDownload  = "vault.download"
	EventVaultDelete    = "vault.delete"
)

// Trail appends entries to one JSONL file. The zero value (or a nil
// Trail) discards everything, so callers never have to nil-check.
type Trail struct {
	mu   sync.Mutex
	path string
}

// Open returns a trail writing to path. An empty path yields a trail
// that drops all entries.
func Open(path string) *Trail {
	return &Trail{path: path}
}

// Record appends one entry. The timestamp is set if missing.
func (t *Trail) Record(entry Entry) {
	if t == nil || t.path == "" {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		logx.Warnf("audit: marshal entry: %v", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		logx.Warnf("audit: open %s: %v", t.path, err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		logx.Warnf("audit: append entry: %v", err)
	}
}

// ReadEntries reads all entries from the trail. Returns nil if the file
// does not exist yet.
func (t *Trail) ReadEntries() ([]Entry, error) {
	if t == nil || t.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseEntries(data)
}

// ParseEntries parses JSON Lines data. Malformed lines are skipped.
func ParseEntries(data []byte) ([]Entry, error) {
	var entries []Entry
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var entry Entry
			if err := json.Unmarshal(line, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}
