package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ledgerRecord is what survives a supervisor crash: enough to find and
// verify a child that outlived us.
type ledgerRecord struct {
	PID        int    `json:"pid"`
	Group      string `json:"group"`
	Executable string `json:"executable,omitempty"`
	Port       int    `json:"port,omitempty"`
	StartedAt  int64  `json:"started_at"`           // Unix timestamp
	StartTime  int64  `json:"start_time,omitempty"` // OS-reported, guards against PID reuse
}

// ledger persists live PIDs to state.json.
type ledger struct {
	path string
	mu   sync.Mutex
}

func newLedger(dir string) *ledger {
	return &ledger{path: filepath.Join(dir, "state.json")}
}

func (l *ledger) load() (map[string]ledgerRecord, error) {
	if l == nil {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

func (l *ledger) set(name string, rec ledgerRecord) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.loadLocked()
	if err != nil || records == nil {
		records = make(map[string]ledgerRecord)
	}
	records[name] = rec
	return l.saveLocked(records)
}

func (l *ledger) remove(name string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := records[name]; !ok {
		return nil
	}
	delete(records, name)
	return l.saveLocked(records)
}

func (l *ledger) clear() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked(map[string]ledgerRecord{})
}

// caller holds l.mu
func (l *ledger) loadLocked() (map[string]ledgerRecord, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	var records map[string]ledgerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	return records, nil
}

func (l *ledger) saveLocked(records map[string]ledgerRecord) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
