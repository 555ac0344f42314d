// Package cdr implements the Call Detail Record recorder: by default, one
// merged row per Call-ID (or per call-id+CSeq for MESSAGE), written to a
// date-bucketed CSV file, deduplicated against retransmission via a flushed
// tombstone set — the staging-dictionary shape spec.md §9 calls out as not
// optional. CDR_MERGE_MODE=false switches to one row per milestone instead,
// per the Configuration Contract (spec.md §6); that mode writes each row
// immediately without staging it, and reuses only the tombstone set for
// its dedup, keyed per milestone rather than per call.
package cdr

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RecordType enumerates the CDR record-type field.
type RecordType string

const (
	Call     RecordType = "CALL"
	Register RecordType = "REGISTER"
	Message  RecordType = "MESSAGE"
	Options  RecordType = "OPTIONS"
)

// State enumerates the CDR state field.
type State string

const (
	StatePending      State = "PENDING"
	StateSuccess      State = "SUCCESS"
	StateUnregistered State = "UNREGISTERED"
	StateEnded        State = "ENDED"
	StateFailed       State = "FAILED"
	StateCancelled    State = "CANCELLED"
)

// Row is one in-progress or flushed CDR row. Fields mirror spec.md §4.8's
// minimum field list.
type Row struct {
	RecordID      string
	RecordType    RecordType
	State         State
	CallID        string
	Date          string
	StartTime     time.Time
	EndTime       time.Time
	CallerURI     string
	CallerUser    string
	CallerHost    string
	CalleeURI     string
	CalleeUser    string
	CalleeHost    string
	InviteTime    time.Time
	RingingTime   time.Time
	AnswerTime    time.Time
	ByeTime       time.Time
	DurationSecs  float64
	FinalStatus   int
	Reason        string
	UserAgent     string
	Contact       string
	CSeq          uint32
}

var csvHeader = []string{
	"record_id", "record_type", "state", "call_id", "date", "start_time", "end_time",
	"caller_uri", "caller_user", "caller_host", "callee_uri", "callee_user", "callee_host",
	"invite_time", "ringing_time", "answer_time", "bye_time", "duration_seconds",
	"final_status_code", "reason", "user_agent", "contact", "cseq",
}

func (r *Row) csvFields() []string {
	return []string{
		r.RecordID, string(r.RecordType), string(r.State), r.CallID, r.Date,
		formatTime(r.StartTime), formatTime(r.EndTime),
		r.CallerURI, r.CallerUser, r.CallerHost,
		r.CalleeURI, r.CalleeUser, r.CalleeHost,
		formatTime(r.InviteTime), formatTime(r.RingingTime), formatTime(r.AnswerTime), formatTime(r.ByeTime),
		fmt.Sprintf("%.3f", r.DurationSecs),
		fmt.Sprintf("%d", r.FinalStatus), r.Reason, r.UserAgent, r.Contact,
		fmt.Sprintf("%d", r.CSeq),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// Milestone identifies which point in a call's lifecycle record_or_update
// is reporting.
type Milestone string

const (
	MilestoneInvite   Milestone = "invite-seen"
	MilestoneRinging  Milestone = "ringing-seen"
	MilestoneAnswered Milestone = "answered"
	MilestoneEnded    Milestone = "ended"
)

// Recorder is the CDR staging dictionary plus flushed tombstone set and the
// serialized CSV writer.
type Recorder struct {
	dir string

	mu    sync.Mutex // guards inProgress and flushed; also the global writer lock (§4.8)
	inProgress map[string]*Row
	flushed    map[string]time.Time

	nextSeq int

	logger *slog.Logger

	// mergeMode reports the live CDR_MERGE_MODE setting. Checked fresh on
	// every call rather than captured once, so a hot-reloaded Configuration
	// Snapshot takes effect immediately; nil means "always merge", the
	// historical default this package shipped with before the flag mattered.
	mergeMode func() bool
}

// New builds a Recorder writing under dir (normally "CDR"). mergeMode is
// consulted on every RecordOrUpdate call to decide between one merged row
// per Call-ID (per spec.md §9's staging-dictionary shape) and one row per
// milestone (CDR_MERGE_MODE=false, per spec.md §6's Configuration
// Contract); pass nil to always merge.
func New(dir string, logger *slog.Logger, mergeMode func() bool) *Recorder {
	return &Recorder{
		dir:        dir,
		inProgress: make(map[string]*Row),
		flushed:    make(map[string]time.Time),
		logger:     logger.With("component", "cdr"),
		mergeMode:  mergeMode,
	}
}

func (r *Recorder) merging() bool {
	if r.mergeMode == nil {
		return true
	}
	return r.mergeMode()
}

// DedupKey returns the staging-dictionary key for a record: Call-ID alone
// for everything except MESSAGE, which keys on call-id+CSeq per spec.md
// §4.8 and the Open Question decision recorded in DESIGN.md.
func DedupKey(recordType RecordType, callID string, cseq uint32) string {
	if recordType == Message {
		return fmt.Sprintf("%s#%d", callID, cseq)
	}
	return callID
}

// RecordOrUpdate upserts fields into the in-progress row for key, creating
// it with recordType/callID if absent. If key is already in the flushed
// tombstone set this is a retransmission after flush and is ignored
// entirely — no row is recreated. When CDR_MERGE_MODE is off, it instead
// writes one complete row per milestone immediately, per spec.md §6.
func (r *Recorder) RecordOrUpdate(key string, recordType RecordType, callID string, milestone Milestone, mutate func(row *Row)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.merging() {
		r.recordMilestoneRowLocked(key, recordType, callID, milestone, mutate)
		return
	}

	if _, done := r.flushed[key]; done {
		return
	}

	row, ok := r.inProgress[key]
	if !ok {
		r.nextSeq++
		row = &Row{
			RecordID:   fmt.Sprintf("%d-%d", time.Now().Unix(), r.nextSeq),
			RecordType: recordType,
			CallID:     callID,
			Date:       time.Now().Format("2006-01-02"),
			State:      StatePending,
		}
		r.inProgress[key] = row
	}

	switch milestone {
	case MilestoneInvite:
		if row.InviteTime.IsZero() {
			row.InviteTime = time.Now()
			row.StartTime = row.InviteTime
		}
	case MilestoneRinging:
		if row.RingingTime.IsZero() {
			row.RingingTime = time.Now()
		}
	case MilestoneAnswered:
		if row.AnswerTime.IsZero() {
			row.AnswerTime = time.Now()
		}
	case MilestoneEnded:
		if row.ByeTime.IsZero() {
			row.ByeTime = time.Now()
		}
		row.EndTime = time.Now()
		if !row.StartTime.IsZero() {
			row.DurationSecs = row.EndTime.Sub(row.StartTime).Seconds()
		}
	}

	if mutate != nil {
		mutate(row)
	}
}

// recordMilestoneRowLocked implements the CDR_MERGE_MODE=false path: each
// milestone for key gets its own row, written immediately rather than
// staged, deduplicated against retransmission the same way merged rows are
// (a tombstone per key+milestone rather than per key). Caller holds r.mu.
func (r *Recorder) recordMilestoneRowLocked(key string, recordType RecordType, callID string, milestone Milestone, mutate func(row *Row)) {
	tombstone := key + "#" + string(milestone)
	if _, done := r.flushed[tombstone]; done {
		return
	}
	r.flushed[tombstone] = time.Now()

	r.nextSeq++
	now := time.Now()
	row := &Row{
		RecordID:   fmt.Sprintf("%d-%d", now.Unix(), r.nextSeq),
		RecordType: recordType,
		CallID:     callID,
		Date:       now.Format("2006-01-02"),
		State:      StatePending,
	}
	switch milestone {
	case MilestoneInvite:
		row.InviteTime = now
		row.StartTime = now
	case MilestoneRinging:
		row.RingingTime = now
	case MilestoneAnswered:
		row.AnswerTime = now
	case MilestoneEnded:
		row.ByeTime = now
		row.EndTime = now
	}

	if mutate != nil {
		mutate(row)
	}

	if err := writeCSVRow(r.dir, row); err != nil {
		r.logger.Error("failed to write per-milestone cdr row", "error", err, "call_id", callID, "milestone", string(milestone))
	}
}

// Flush writes the row for key to the date-bucketed CSV and tombstones
// key. If key is already tombstoned and force is false, the call is the
// classic retransmit case: drop from cache (it is already gone) without
// writing again. If force is true a staged row is written even when key is
// already tombstoned (used at shutdown to force-flush everything
// in-progress per spec.md §5).
func (r *Recorder) Flush(key string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(key, force)
}

func (r *Recorder) flushLocked(key string, force bool) error {
	if _, done := r.flushed[key]; done && !force {
		delete(r.inProgress, key)
		return nil
	}

	row, ok := r.inProgress[key]
	if !ok {
		return nil
	}
	delete(r.inProgress, key)
	r.flushed[key] = time.Now()

	if row.EndTime.IsZero() {
		row.EndTime = time.Now()
	}

	return writeCSVRow(r.dir, row)
}

// FlushAll force-flushes every in-progress row, for process shutdown.
func (r *Recorder) FlushAll() error {
	r.mu.Lock()
	keys := make([]string, 0, len(r.inProgress))
	for k := range r.inProgress {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := r.Flush(k, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SweepFlushed evicts tombstones older than maxAge, bounding memory.
func (r *Recorder) SweepFlushed(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for k, t := range r.flushed {
		if t.Before(cutoff) {
			delete(r.flushed, k)
			removed++
		}
	}
	return removed
}

// writeCSVRow appends row to the day's CSV file, creating it (with header)
// if it does not yet exist. Caller holds r.mu, serializing all writers —
// the simplest correct implementation per spec.md §4.8.
func writeCSVRow(dir string, row *Row) error {
	dayDir := filepath.Join(dir, row.Date)
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return fmt.Errorf("cdr: creating day directory: %w", err)
	}
	path := filepath.Join(dayDir, fmt.Sprintf("cdr_%s.csv", row.Date))

	_, err := os.Stat(path)
	needsHeader := os.IsNotExist(err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("cdr: opening %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if needsHeader {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("cdr: writing header: %w", err)
		}
	}
	if err := w.Write(row.csvFields()); err != nil {
		return fmt.Errorf("cdr: writing row: %w", err)
	}
	w.Flush()
	return w.Error()
}
