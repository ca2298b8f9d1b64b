package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/posefusion/internal/fusion"
	"github.com/banshee-data/posefusion/internal/vision"
)

// Session is one run of the fusion loop.
type Session struct {
	SessionID  string     `json:"session_id"`
	Source     string     `json:"source"`
	ConfigJSON string     `json:"config_json"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// TransitionRecord is one recorded change of confidence state.
type TransitionRecord struct {
	Cycle        uint64          `json:"cycle"`
	CycleTime    time.Time       `json:"cycle_time"`
	Transition   string          `json:"transition"`
	FromState    string          `json:"from_state"`
	ToState      string          `json:"to_state"`
	TiltRadians  float64         `json:"tilt_radians"`
	StateStdDevs *vision.StdDevs `json:"state_std_devs,omitempty"`
}

// Sample is one down-sampled cycle status.
type Sample struct {
	Cycle            uint64          `json:"cycle"`
	CycleTime        time.Time       `json:"cycle_time"`
	State            string          `json:"state"`
	GoodObservations uint32          `json:"good_observations"`
	Observations     int             `json:"observations"`
	Trusted          int             `json:"trusted"`
	TiltRadians      float64         `json:"tilt_radians"`
	StateStdDevs     *vision.StdDevs `json:"state_std_devs,omitempty"`
	Err              string          `json:"error,omitempty"`
}

// StartSession inserts a new session and returns its id. cfg is stored as
// JSON for later inspection and may be nil.
func (db *DB) StartSession(source string, cfg interface{}) (string, error) {
	cfgJSON := []byte("{}")
	if cfg != nil {
		var err error
		if cfgJSON, err = json.Marshal(cfg); err != nil {
			return "", fmt.Errorf("failed to encode session config: %w", err)
		}
	}
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, source, config_json, started_at) VALUES (?, ?, ?, ?)`,
		id, source, string(cfgJSON), time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// EndSession stamps the session's end time.
func (db *DB) EndSession(sessionID string) error {
	res, err := db.Exec(`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// Sessions returns recorded sessions, newest first.
func (db *DB) Sessions() ([]Session, error) {
	rows, err := db.Query(`SELECT session_id, source, config_json, started_at, ended_at FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var ended sql.NullTime
		if err := rows.Scan(&s.SessionID, &s.Source, &s.ConfigJSON, &s.StartedAt, &ended); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			s.EndedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func stdDevArgs(sd *vision.StdDevs) (x, y, h interface{}) {
	if sd == nil {
		return nil, nil, nil
	}
	return sd.X, sd.Y, sd.Heading
}

func scanStdDevs(x, y, h sql.NullFloat64) *vision.StdDevs {
	if !x.Valid || !y.Valid || !h.Valid {
		return nil
	}
	return &vision.StdDevs{X: x.Float64, Y: y.Float64, Heading: h.Float64}
}

// RecordTransition stores a change of confidence state.
func (db *DB) RecordTransition(sessionID string, st fusion.Status) error {
	x, y, h := stdDevArgs(st.StateStdDevs)
	_, err := db.Exec(
		`INSERT INTO confidence_transitions (
			session_id, cycle, cycle_time, transition, from_state, to_state,
			tilt_radians, state_std_x, state_std_y, state_std_heading
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, st.Cycle, st.Time.UTC(), string(st.Transition), string(st.PreviousState), string(st.State),
		st.TiltRadians, x, y, h,
	)
	if err != nil {
		return fmt.Errorf("failed to record transition at cycle %d: %w", st.Cycle, err)
	}
	return nil
}

// RecordSample stores one cycle status.
func (db *DB) RecordSample(sessionID string, st fusion.Status) error {
	x, y, h := stdDevArgs(st.StateStdDevs)
	var errText interface{}
	if st.Err != "" {
		errText = st.Err
	}
	_, err := db.Exec(
		`INSERT INTO cycle_samples (
			session_id, cycle, cycle_time, state, good_observations, observations,
			trusted, tilt_radians, state_std_x, state_std_y, state_std_heading, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, st.Cycle, st.Time.UTC(), string(st.State), st.Confidence.GoodObservationsSincePoseLoss,
		st.Observations, st.Trusted, st.TiltRadians, x, y, h, errText,
	)
	if err != nil {
		return fmt.Errorf("failed to record sample at cycle %d: %w", st.Cycle, err)
	}
	return nil
}

// Transitions returns a session's transitions in cycle order.
func (db *DB) Transitions(sessionID string) ([]TransitionRecord, error) {
	rows, err := db.Query(
		`SELECT cycle, cycle_time, transition, from_state, to_state, tilt_radians,
			state_std_x, state_std_y, state_std_heading
		FROM confidence_transitions WHERE session_id = ? ORDER BY cycle`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var r TransitionRecord
		var x, y, h sql.NullFloat64
		if err := rows.Scan(&r.Cycle, &r.CycleTime, &r.Transition, &r.FromState, &r.ToState, &r.TiltRadians, &x, &y, &h); err != nil {
			return nil, err
		}
		r.StateStdDevs = scanStdDevs(x, y, h)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Samples returns up to limit of a session's samples in cycle order. A
// limit of zero or less returns them all.
func (db *DB) Samples(sessionID string, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(
		`SELECT cycle, cycle_time, state, good_observations, observations, trusted,
			tilt_radians, state_std_x, state_std_y, state_std_heading, error
		FROM cycle_samples WHERE session_id = ? ORDER BY cycle LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		var x, y, h sql.NullFloat64
		var errText sql.NullString
		if err := rows.Scan(&s.Cycle, &s.CycleTime, &s.State, &s.GoodObservations, &s.Observations, &s.Trusted,
			&s.TiltRadians, &x, &y, &h, &errText); err != nil {
			return nil, err
		}
		s.StateStdDevs = scanStdDevs(x, y, h)
		s.Err = errText.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// Recorder persists loop status for one session. Record writes
// synchronously; Observe queues for a background writer so it can be
// registered with fusion.Loop.OnCycle without stalling the loop.
type Recorder struct {
	db          *DB
	sessionID   string
	sampleEvery uint64

	queue     chan fusion.Status
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	dropped uint64
	written uint64
	failed  uint64
}

// RecorderStats counts recorder activity.
type RecorderStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

const recorderQueueSize = 1024

// NewRecorder starts a recorder for sessionID that keeps every
// sampleEvery-th cycle plus every state change and failed cycle.
func NewRecorder(db *DB, sessionID string, sampleEvery int) *Recorder {
	if sampleEvery < 1 {
		sampleEvery = 1
	}
	r := &Recorder{
		db:          db,
		sessionID:   sessionID,
		sampleEvery: uint64(sampleEvery),
		queue:       make(chan fusion.Status, recorderQueueSize),
		done:        make(chan struct{}),
	}
	go r.drain()
	return r
}

// SessionID returns the session being recorded.
func (r *Recorder) SessionID() string {
	return r.sessionID
}

func (r *Recorder) wants(st fusion.Status) bool {
	return st.StateChanged() || st.Err != "" || st.Cycle%r.sampleEvery == 0
}

// Record writes st immediately if it is kept.
func (r *Recorder) Record(st fusion.Status) error {
	if !r.wants(st) {
		return nil
	}
	if st.StateChanged() {
		if err := r.db.RecordTransition(r.sessionID, st); err != nil {
			r.count(&r.failed)
			return err
		}
	}
	if err := r.db.RecordSample(r.sessionID, st); err != nil {
		r.count(&r.failed)
		return err
	}
	r.count(&r.written)
	return nil
}

// Observe queues st for the background writer. It never blocks; statuses
// are dropped when the queue is full.
func (r *Recorder) Observe(st fusion.Status) {
	if !r.wants(st) {
		return
	}
	select {
	case r.queue <- st:
	default:
		r.count(&r.dropped)
	}
}

func (r *Recorder) count(n *uint64) {
	r.mu.Lock()
	*n++
	r.mu.Unlock()
}

func (r *Recorder) drain() {
	defer close(r.done)
	for st := range r.queue {
		if err := r.Record(st); err != nil {
			logf("recorder: %v", err)
		}
	}
}

// Stats returns the recorder counters.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecorderStats{Written: r.written, Dropped: r.dropped, Failed: r.failed}
}

// Close flushes queued statuses and ends the session. Observe must not be
// called after Close.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.queue)
		<-r.done
		err = r.db.EndSession(r.sessionID)
	})
	return err
}
