// Package manifest appends resolved decision events to an NDJSON audit log.
// The manifest is the durability boundary for a step: the orchestrator does
// not report a step complete until its record has been flushed. Records are
// never rewritten or deleted; replaying them in order reconstructs the
// resolution history after a crash between commit and snapshot persistence.
package manifest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/loom-cli/internal/loom"
)

// WriteError is fatal for the session: a step whose record could not be
// durably logged must not be built upon.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("manifest write to %s failed: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Record is one manifest line: the resolved event plus session metadata.
type Record struct {
	SessionID        string   `json:"session_id"`
	DecisionID       string   `json:"decision_id"`
	ParentNodeID     string   `json:"parent_node_id"`
	CandidateNodeIDs []string `json:"candidate_node_ids"`
	Action           string   `json:"action"`
	ChosenNodeID     string   `json:"chosen_node_id,omitempty"`
	ChosenBy         string   `json:"chosen_by,omitempty"`
	Reason           string   `json:"reason,omitempty"`

	Question              string `json:"clarification_question,omitempty"`
	HumanResponse         string `json:"human_response,omitempty"`
	ResolvesClarification string `json:"resolves_clarification,omitempty"`

	MaxLogprob    *float64 `json:"max_logprob,omitempty"`
	ChosenLogprob *float64 `json:"chosen_logprob,omitempty"`
	LogprobGap    *float64 `json:"logprob_gap,omitempty"`

	Timestamp string `json:"timestamp"`
}

// Logger appends records to a single NDJSON file, fsyncing each one.
type Logger struct {
	path string
	f    *os.File
}

// Open creates or opens the manifest file for appending.
func Open(path string) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &WriteError{Path: path, Err: err}
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &WriteError{Path: path, Err: err}
	}
	return &Logger{path: path, f: f}, nil
}

// Path returns the manifest file location.
func (l *Logger) Path() string { return l.path }

// Append writes one record for a resolved event and flushes it to disk
// before returning. Unresolved events are rejected.
func (l *Logger) Append(sessionID string, event *loom.DecisionEvent) error {
	if event == nil || !event.Resolved() {
		return eris.New("manifest: only resolved events are logged")
	}

	rec := Record{
		SessionID:             sessionID,
		DecisionID:            event.ID,
		ParentNodeID:          event.ParentNodeID,
		CandidateNodeIDs:      event.CandidateNodeIDs,
		Action:                string(event.Action),
		ChosenNodeID:          event.ChosenNodeID,
		ChosenBy:              string(event.ChosenBy),
		Reason:                event.Reason,
		Question:              event.ClarificationQuestion,
		HumanResponse:         event.HumanResponse,
		ResolvesClarification: event.ResolvesClarification,
		MaxLogprob:            event.MaxLogprob,
		ChosenLogprob:         event.ChosenLogprob,
		LogprobGap:            event.LogprobGap,
		Timestamp:             event.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return &WriteError{Path: l.path, Err: err}
	}
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return &WriteError{Path: l.path, Err: err}
	}
	if err := l.f.Sync(); err != nil {
		return &WriteError{Path: l.path, Err: err}
	}
	return nil
}

// Close releases the underlying file.
func (l *Logger) Close() error {
	return l.f.Close()
}

// Read loads every record from an NDJSON manifest. A missing file is an
// empty history, not an error; blank lines are skipped.
func Read(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "manifest: open %s", path)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, eris.Wrapf(err, "manifest: corrupt record in %s", path)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrapf(err, "manifest: read %s", path)
	}
	return records, nil
}
