// Package audit provides an append-only, hash-chained record of operator
// actions. Each entry embeds the hash of its predecessor so after-the-fact
// tampering breaks the chain and is detectable with Verify.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one audit record, serialized as a JSONL line.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id,omitempty"`
	EventType    string    `json:"event_type"`
	Description  string    `json:"description"`
	Operator     string    `json:"operator"`
	Target       string    `json:"target,omitempty"`
	Result       string    `json:"result,omitempty"`
	PreviousHash string    `json:"previous_hash"`
	CurrentHash  string    `json:"current_hash"`
}

const genesisHash = "genesis"

type Logger struct {
	path string

	mu       sync.Mutex
	lastHash string // hash of the most recent entry, "" until first read
}

func New(path string) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create audit log dir: %w", err)
		}
	}
	return &Logger{path: path}, nil
}

// Record appends one event to the chain.
func (l *Logger) Record(sessionID, eventType, description, target, result string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, err := l.lastHashLocked()
	if err != nil {
		return err
	}

	entry := Entry{
		Timestamp:    time.Now().UTC(),
		SessionID:    sessionID,
		EventType:    eventType,
		Description:  description,
		Operator:     operatorName(),
		Target:       target,
		Result:       result,
		PreviousHash: prev,
	}
	entry.CurrentHash = hashEntry(entry)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}

	l.lastHash = entry.CurrentHash
	return nil
}

// Read returns every entry, optionally filtered by session id.
func (l *Logger) Read(sessionID string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked(sessionID)
}

// Verify walks the chain and returns the number of valid entries. A non-nil
// error identifies the first entry whose hash linkage does not hold.
func (l *Logger) Verify() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readLocked("")
	if err != nil {
		return 0, err
	}

	prev := genesisHash
	for i, e := range entries {
		if e.PreviousHash != prev {
			return i, fmt.Errorf("entry %d: previous_hash mismatch", i)
		}
		if hashEntry(e) != e.CurrentHash {
			return i, fmt.Errorf("entry %d: content hash mismatch", i)
		}
		prev = e.CurrentHash
	}
	return len(entries), nil
}

func (l *Logger) readLocked(sessionID string) ([]Entry, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("corrupt audit entry: %w", err)
		}
		if sessionID == "" || e.SessionID == sessionID {
			entries = append(entries, e)
		}
	}
	return entries, scanner.Err()
}

func (l *Logger) lastHashLocked() (string, error) {
	if l.lastHash != "" {
		return l.lastHash, nil
	}
	entries, err := l.readLocked("")
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return genesisHash, nil
	}
	l.lastHash = entries[len(entries)-1].CurrentHash
	return l.lastHash, nil
}

// hashEntry covers every field an attacker would want to rewrite, plus the
// previous hash that forms the chain.
func hashEntry(e Entry) string {
	input := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s",
		e.Timestamp.Format(time.RFC3339Nano),
		e.SessionID,
		e.EventType,
		e.Description,
		e.Operator,
		e.Target,
		e.Result,
		e.PreviousHash,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

func operatorName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}
