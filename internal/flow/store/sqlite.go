package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowmason/flowmason/internal/flow/runtime"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller imports the driver:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the schema in the given database and returns
// a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flowchart_runs (
			id TEXT PRIMARY KEY,
			flowchart_id TEXT NOT NULL,
			status TEXT NOT NULL,
			failure_reason TEXT,
			started_at TEXT,
			finished_at TEXT,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS node_runs (
			id TEXT PRIMARY KEY,
			flowchart_run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			execution_index INTEGER NOT NULL,
			status TEXT NOT NULL,
			input_context BLOB,
			output_state BLOB,
			routing_state BLOB,
			error TEXT,
			started_at TEXT,
			finished_at TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (flowchart_run_id, execution_index)
		);
		CREATE TABLE IF NOT EXISTS node_artifacts (
			id TEXT PRIMARY KEY,
			node_run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			artifact_type TEXT NOT NULL,
			payload BLOB,
			payload_hash TEXT,
			request_id TEXT,
			correlation_id TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_node_artifacts_node
			ON node_artifacts (node_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS plan_documents (
			flowchart_run_id TEXT PRIMARY KEY,
			items BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS memory_entries (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			store_mode TEXT,
			confidence REAL,
			created_at TEXT NOT NULL
		);`,
	)
	return err
}

func encodeTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func mustTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *runtime.FlowchartRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flowchart_runs (id, flowchart_id, status, failure_reason, started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.FlowchartID, string(run.Status), run.FailureReason,
		encodeTime(run.StartedAt), encodeTime(run.FinishedAt),
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *runtime.FlowchartRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flowchart_runs
		SET status = ?, failure_reason = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		string(run.Status), run.FailureReason,
		encodeTime(run.StartedAt), encodeTime(run.FinishedAt), run.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*runtime.FlowchartRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flowchart_id, status, failure_reason, started_at, finished_at, created_at
		FROM flowchart_runs WHERE id = ?`, id)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, flowchartID string) ([]*runtime.FlowchartRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flowchart_id, status, failure_reason, started_at, finished_at, created_at
		FROM flowchart_runs WHERE flowchart_id = ? ORDER BY created_at DESC`, flowchartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*runtime.FlowchartRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*runtime.FlowchartRun, error) {
	var r runtime.FlowchartRun
	var status, createdAt string
	var failureReason, startedAt, finishedAt sql.NullString
	err := row.Scan(&r.ID, &r.FlowchartID, &status, &failureReason, &startedAt, &finishedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = runtime.RunStatus(status)
	r.FailureReason = failureReason.String
	if r.StartedAt, err = decodeTime(startedAt); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = decodeTime(finishedAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = mustTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) CreateNodeRun(ctx context.Context, nr *runtime.NodeRun) error {
	input, err := json.Marshal(nr.InputContext)
	if err != nil {
		return fmt.Errorf("encode input context: %w", err)
	}
	output, routing, err := encodeNodeRunState(nr)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_runs (id, flowchart_run_id, node_id, execution_index, status,
			input_context, output_state, routing_state, error, started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nr.ID, nr.RunID, nr.NodeID, nr.ExecutionIndex, string(nr.Status),
		input, output, routing, nr.Error,
		encodeTime(nr.StartedAt), encodeTime(nr.FinishedAt),
		nr.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) UpdateNodeRun(ctx context.Context, nr *runtime.NodeRun) error {
	output, routing, err := encodeNodeRunState(nr)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE node_runs
		SET status = ?, output_state = ?, routing_state = ?, error = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		string(nr.Status), output, routing, nr.Error,
		encodeTime(nr.StartedAt), encodeTime(nr.FinishedAt), nr.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNodeRunNotFound
	}
	return nil
}

func encodeNodeRunState(nr *runtime.NodeRun) (output, routing []byte, err error) {
	if nr.Output != nil {
		if output, err = json.Marshal(nr.Output); err != nil {
			return nil, nil, fmt.Errorf("encode output state: %w", err)
		}
	}
	if nr.Routing != nil {
		if routing, err = json.Marshal(nr.Routing); err != nil {
			return nil, nil, fmt.Errorf("encode routing state: %w", err)
		}
	}
	return output, routing, nil
}

func (s *SQLiteStore) GetNodeRun(ctx context.Context, id string) (*runtime.NodeRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flowchart_run_id, node_id, execution_index, status,
			input_context, output_state, routing_state, error, started_at, finished_at, created_at
		FROM node_runs WHERE id = ?`, id)
	return scanNodeRun(row)
}

func (s *SQLiteStore) ListNodeRuns(ctx context.Context, runID string) ([]*runtime.NodeRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flowchart_run_id, node_id, execution_index, status,
			input_context, output_state, routing_state, error, started_at, finished_at, created_at
		FROM node_runs WHERE flowchart_run_id = ? ORDER BY execution_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*runtime.NodeRun
	for rows.Next() {
		nr, err := scanNodeRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, nr)
	}
	return out, rows.Err()
}

func scanNodeRun(row rowScanner) (*runtime.NodeRun, error) {
	var nr runtime.NodeRun
	var status, createdAt string
	var input, output, routing []byte
	var errStr, startedAt, finishedAt sql.NullString
	err := row.Scan(&nr.ID, &nr.RunID, &nr.NodeID, &nr.ExecutionIndex, &status,
		&input, &output, &routing, &errStr, &startedAt, &finishedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNodeRunNotFound
	}
	if err != nil {
		return nil, err
	}
	nr.Status = runtime.RunStatus(status)
	nr.Error = errStr.String
	if len(input) > 0 {
		if err := json.Unmarshal(input, &nr.InputContext); err != nil {
			return nil, fmt.Errorf("decode input context: %w", err)
		}
	}
	if len(output) > 0 {
		nr.Output = &runtime.Output{}
		if err := json.Unmarshal(output, nr.Output); err != nil {
			return nil, fmt.Errorf("decode output state: %w", err)
		}
	}
	if len(routing) > 0 {
		nr.Routing = &runtime.RoutingState{}
		if err := json.Unmarshal(routing, nr.Routing); err != nil {
			return nil, fmt.Errorf("decode routing state: %w", err)
		}
	}
	if nr.StartedAt, err = decodeTime(startedAt); err != nil {
		return nil, err
	}
	if nr.FinishedAt, err = decodeTime(finishedAt); err != nil {
		return nil, err
	}
	if nr.CreatedAt, err = mustTime(createdAt); err != nil {
		return nil, err
	}
	return &nr, nil
}

func (s *SQLiteStore) PutArtifact(ctx context.Context, art *runtime.NodeArtifact) error {
	payload, err := json.Marshal(art.Payload)
	if err != nil {
		return fmt.Errorf("encode artifact payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_artifacts (id, node_run_id, node_id, artifact_type, payload,
			payload_hash, request_id, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		art.ID, art.NodeRunID, art.NodeID, art.Type, payload,
		art.PayloadHash, art.RequestID, art.CorrelationID,
		art.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*runtime.NodeArtifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_run_id, node_id, artifact_type, payload, payload_hash, request_id, correlation_id, created_at
		FROM node_artifacts WHERE id = ?`, id)
	return scanArtifact(row)
}

func (s *SQLiteStore) ListArtifactsByNode(ctx context.Context, nodeID string) ([]*runtime.NodeArtifact, error) {
	return s.listArtifacts(ctx, `
		SELECT id, node_run_id, node_id, artifact_type, payload, payload_hash, request_id, correlation_id, created_at
		FROM node_artifacts WHERE node_id = ? ORDER BY created_at DESC, id DESC`, nodeID)
}

func (s *SQLiteStore) ListArtifactsByNodeRun(ctx context.Context, nodeRunID string) ([]*runtime.NodeArtifact, error) {
	return s.listArtifacts(ctx, `
		SELECT id, node_run_id, node_id, artifact_type, payload, payload_hash, request_id, correlation_id, created_at
		FROM node_artifacts WHERE node_run_id = ? ORDER BY created_at DESC, id DESC`, nodeRunID)
}

func (s *SQLiteStore) listArtifacts(ctx context.Context, query, arg string) ([]*runtime.NodeArtifact, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*runtime.NodeArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArtifact(row rowScanner) (*runtime.NodeArtifact, error) {
	var a runtime.NodeArtifact
	var payload []byte
	var createdAt string
	var hash, reqID, corrID sql.NullString
	err := row.Scan(&a.ID, &a.NodeRunID, &a.NodeID, &a.Type, &payload, &hash, &reqID, &corrID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	a.PayloadHash = hash.String
	a.RequestID = reqID.String
	a.CorrelationID = corrID.String
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return nil, fmt.Errorf("decode artifact payload: %w", err)
		}
	}
	if a.CreatedAt, err = mustTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) DeleteArtifacts(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	total := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `DELETE FROM node_artifacts WHERE id = ?`, id)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *SQLiteStore) GetPlanDocument(ctx context.Context, runID string) (*runtime.PlanDocument, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT flowchart_run_id, items, updated_at FROM plan_documents WHERE flowchart_run_id = ?`, runID)
	var doc runtime.PlanDocument
	var items []byte
	var updatedAt string
	err := row.Scan(&doc.RunID, &items, &updatedAt)
	if err == sql.ErrNoRows {
		// An absent document reads as empty; plan nodes create it on first write.
		return &runtime.PlanDocument{RunID: runID}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &doc.Items); err != nil {
		return nil, fmt.Errorf("decode plan items: %w", err)
	}
	if doc.UpdatedAt, err = mustTime(updatedAt); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *SQLiteStore) PutPlanDocument(ctx context.Context, doc *runtime.PlanDocument) error {
	items, err := json.Marshal(doc.Items)
	if err != nil {
		return fmt.Errorf("encode plan items: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_documents (flowchart_run_id, items, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (flowchart_run_id) DO UPDATE SET items = excluded.items, updated_at = excluded.updated_at`,
		doc.RunID, items, doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) AppendMemoryEntry(ctx context.Context, e *runtime.MemoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (id, scope, text, store_mode, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Scope, e.Text, e.StoreMode, e.Confidence,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) ListMemoryEntries(ctx context.Context, scope string) ([]*runtime.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, text, store_mode, confidence, created_at
		FROM memory_entries WHERE scope = ? OR ? = '' ORDER BY created_at`, scope, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*runtime.MemoryEntry
	for rows.Next() {
		var e runtime.MemoryEntry
		var storeMode sql.NullString
		var confidence sql.NullFloat64
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Scope, &e.Text, &storeMode, &confidence, &createdAt); err != nil {
			return nil, err
		}
		e.StoreMode = storeMode.String
		e.Confidence = confidence.Float64
		if e.CreatedAt, err = mustTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
