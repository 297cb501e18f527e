// Package journal keeps an append-only record of backend lifecycle activity.
//
// Entries are written as newline-delimited JSON to ~/.tessera/journal.log so
// that a crash can be reconstructed after the fact.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Action describes what happened.
type Action string

const (
	ActionStart       Action = "start"
	ActionSpawn       Action = "spawn"
	ActionSpawnFailed Action = "spawn_failed"
	ActionTerminate   Action = "terminate"
	ActionExit        Action = "exit"
	ActionStop        Action = "stop"
	ActionOrphan      Action = "orphan_killed"
	ActionEvent       Action = "event"
)

// Entry is a single journal record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Action    Action    `json:"action"`
	Process   string    `json:"process,omitempty"`
	Group     string    `json:"group,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Event     string    `json:"event,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Journal appends entries to a file.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open creates or opens a journal for appending.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Journal{file: f, path: path}, nil
}

func (j *Journal) Path() string { return j.path }

// Log writes an entry. A nil journal discards it.
func (j *Journal) Log(e Entry) error {
	if j == nil {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	return nil
}

// Notify records a lifecycle event, so a journal can be used as a notify.Sink.
func (j *Journal) Notify(event string, payload any) error {
	e := Entry{Action: ActionEvent, Event: event}
	if payload != nil {
		e.Detail = fmt.Sprint(payload)
	}
	return j.Log(e)
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.file.Close()
}

// Read returns the last n entries of the journal at path (all when n <= 0).
// Lines that fail to parse are skipped.
func Read(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		entries = append(entries, e)
		if n > 0 && len(entries) > n {
			entries = entries[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	return entries, nil
}
