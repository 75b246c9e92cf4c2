package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/safety.report/internal/vision/frames"
	"github.com/banshee-data/safety.report/internal/vision/stability"
)

// EventRecord is one persisted boundary event.
type EventRecord struct {
	EventID    string     `json:"event_id"`
	Type       string     `json:"type"`
	Key        string     `json:"key"`
	Source     string     `json:"source"`
	TrackID    string     `json:"track_id"`
	Attribute  string     `json:"attribute"`
	Verdict    string     `json:"verdict"`
	Confidence float64    `json:"confidence"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	FrameSeq   uint64     `json:"frame_seq,omitempty"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// Duration is the stable period an Ended record covers; zero for Started.
func (r EventRecord) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	Source string
	Key    string
	Since  time.Time
	Limit  int // default: 100
}

// RecordBoundary persists ev. Recording the same event twice is a no-op.
func (s *EventStore) RecordBoundary(ev stability.BoundaryEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	var ended sql.NullInt64
	if ev.EndedAt != nil {
		ended = sql.NullInt64{Int64: ev.EndedAt.UnixNano(), Valid: true}
	}
	var seq sql.NullInt64
	if !ev.Frame.IsZero() {
		seq = sql.NullInt64{Int64: int64(ev.Frame.Seq), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO verdict_events (
			event_id, event_type, track_key, source, track_id, attribute,
			verdict, confidence, started_at_ns, ended_at_ns, reason,
			frame_seq, recorded_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), string(ev.Type), ev.Key, ev.Source, ev.TrackID, ev.Attribute,
		ev.Verdict, ev.Confidence, ev.StartedAt.UnixNano(), ended, ev.Reason,
		seq, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert verdict event: %w", err)
	}
	return nil
}

const eventColumns = `event_id, event_type, track_key, source, track_id, attribute,
	verdict, confidence, started_at_ns, ended_at_ns, reason, frame_seq, recorded_at_ns`

// ListEvents returns events matching f, newest first.
func (s *EventStore) ListEvents(f EventFilter) ([]EventRecord, error) {
	var where []string
	var args []any
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.Key != "" {
		where = append(where, "track_key = ?")
		args = append(args, f.Key)
	}
	if !f.Since.IsZero() {
		where = append(where, "recorded_at_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}

	q := "SELECT " + eventColumns + " FROM verdict_events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY recorded_at_ns DESC, rowid DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query verdict events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// OpenVerdicts returns the Started events that no Ended event has closed,
// oldest first: the verdicts that were stable when the log was last written.
func (s *EventStore) OpenVerdicts() ([]EventRecord, error) {
	rows, err := s.db.Query(`
		SELECT ` + eventColumns + `
		FROM verdict_events s
		WHERE s.event_type = 'started'
		  AND NOT EXISTS (
			SELECT 1 FROM verdict_events e
			WHERE e.event_type = 'ended'
			  AND e.track_key = s.track_key
			  AND e.started_at_ns = s.started_at_ns)
		ORDER BY s.started_at_ns ASC`)
	if err != nil {
		return nil, fmt.Errorf("query open verdicts: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]EventRecord, error) {
	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		var started, recorded int64
		var ended, seq sql.NullInt64
		var reason sql.NullString
		if err := rows.Scan(
			&r.EventID, &r.Type, &r.Key, &r.Source, &r.TrackID, &r.Attribute,
			&r.Verdict, &r.Confidence, &started, &ended, &reason, &seq, &recorded,
		); err != nil {
			return nil, fmt.Errorf("scan verdict event: %w", err)
		}
		r.StartedAt = time.Unix(0, started)
		r.RecordedAt = time.Unix(0, recorded)
		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			r.EndedAt = &t
		}
		r.Reason = reason.String
		if seq.Valid {
			r.FrameSeq = uint64(seq.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FrameSummary is the persisted shape of a finished carrier.
type FrameSummary struct {
	Source       string                   `json:"source"`
	Seq          uint64                   `json:"seq"`
	CapturedAt   time.Time                `json:"captured_at"`
	CompletedAt  time.Time                `json:"completed_at"`
	Stage        string                   `json:"stage"`
	Note         string                   `json:"note,omitempty"`
	Version      uint64                   `json:"version"`
	FailedStages []string                 `json:"failed_stages,omitempty"`
	Results      map[string]ResultSummary `json:"results,omitempty"`
}

// ResultSummary condenses one stage result.
type ResultSummary struct {
	Kind       string  `json:"kind"`
	Detections int     `json:"detections"`
	Err        string  `json:"err,omitempty"`
	ElapsedMs  float64 `json:"elapsed_ms"`
}

func summarize(c *frames.Carrier) FrameSummary {
	fs := FrameSummary{
		Source:       c.Source(),
		Seq:          c.ID().Seq,
		CapturedAt:   c.CapturedAt(),
		CompletedAt:  c.CompletedAt(),
		Stage:        string(c.Stage()),
		Note:         c.Note(),
		Version:      c.Version(),
		FailedStages: c.FailedStages(),
	}
	if res := c.Results(); len(res) > 0 {
		fs.Results = make(map[string]ResultSummary, len(res))
		for name, r := range res {
			fs.Results[name] = ResultSummary{
				Kind:       r.Kind.String(),
				Detections: len(r.Detections),
				Err:        r.Err,
				ElapsedMs:  float64(r.Elapsed.Microseconds()) / 1000,
			}
		}
	}
	return fs
}

// RecordFrame persists the summary of a finished carrier. A later version of
// the same frame replaces the earlier row.
func (s *EventStore) RecordFrame(c *frames.Carrier) error {
	fs := summarize(c)
	results, err := json.Marshal(fs.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO frame_summaries (
			source, seq, captured_at_ns, completed_at_ns, stage, note,
			version, failed_stages, results_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fs.Source, int64(fs.Seq), fs.CapturedAt.UnixNano(), fs.CompletedAt.UnixNano(),
		fs.Stage, fs.Note, int64(fs.Version), strings.Join(fs.FailedStages, ","), string(results),
	)
	if err != nil {
		return fmt.Errorf("insert frame summary: %w", err)
	}
	return nil
}

// RecentFrames returns up to limit frame summaries for source (all sources
// when empty), most recently completed first.
func (s *EventStore) RecentFrames(source string, limit int) ([]FrameSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT source, seq, captured_at_ns, completed_at_ns, stage, note,
		version, failed_stages, results_json FROM frame_summaries`
	var args []any
	if source != "" {
		q += " WHERE source = ?"
		args = append(args, source)
	}
	q += " ORDER BY completed_at_ns DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query frame summaries: %w", err)
	}
	defer rows.Close()

	var out []FrameSummary
	for rows.Next() {
		var fs FrameSummary
		var seq, version, captured, completed int64
		var note, failed, results sql.NullString
		if err := rows.Scan(&fs.Source, &seq, &captured, &completed, &fs.Stage, &note,
			&version, &failed, &results); err != nil {
			return nil, fmt.Errorf("scan frame summary: %w", err)
		}
		fs.Seq, fs.Version = uint64(seq), uint64(version)
		fs.CapturedAt, fs.CompletedAt = time.Unix(0, captured), time.Unix(0, completed)
		fs.Note = note.String
		if failed.String != "" {
			fs.FailedStages = strings.Split(failed.String, ",")
		}
		if results.Valid && results.String != "" && results.String != "null" {
			if err := json.Unmarshal([]byte(results.String), &fs.Results); err != nil {
				return nil, fmt.Errorf("decode results for %s#%d: %w", fs.Source, fs.Seq, err)
			}
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}

// Boundary implements the pipeline's BoundarySink. Write failures are
// logged; the engine never waits on storage.
func (s *EventStore) Boundary(ev stability.BoundaryEvent) {
	if err := s.RecordBoundary(ev); err != nil {
		opsf("dropping %s event for %s: %v", ev.Type, ev.Key, err)
	}
}

// Frame implements the pipeline's FrameSink.
func (s *EventStore) Frame(c *frames.Carrier) {
	if err := s.RecordFrame(c); err != nil {
		opsf("dropping summary for %s: %v", c.ID(), err)
	}
}
