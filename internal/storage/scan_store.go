package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/scanforge-io/scanforge/internal/correlation"
	"github.com/scanforge-io/scanforge/internal/event"
	"github.com/scanforge-io/scanforge/internal/query"
	"github.com/scanforge-io/scanforge/internal/scan"
)

// ErrScanStoreFailed wraps unexpected database failures in scan storage
// operations.
var ErrScanStoreFailed = errors.New("scan storage failed")

// Compile-time interface assertions. Early compile errors if the domain
// store contracts change.
var (
	_ scan.Store        = (*ScanStore)(nil)
	_ correlation.Store = (*ScanStore)(nil)
	_ query.Store       = (*ScanStore)(nil)
)

const defaultEventPageSize = 1000

// ScanStore persists scans, events, module state, logs and correlation
// results over a backend-aware Connection.
type ScanStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewScanStore creates a store over an open connection. For the SQLite
// backend the schema is created on the spot; PostgreSQL schemas come from
// migrations.
func NewScanStore(conn *Connection, logger *slog.Logger) (*ScanStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	if conn.Backend() == BackendSQLite {
		if err := conn.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
	}

	return &ScanStore{conn: conn, logger: logger.With(slog.String("component", "scan_store"))}, nil
}

// HealthCheck verifies the backing database answers.
func (s *ScanStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// CreateScan implements scan.Store. The scan row and its configuration
// snapshot are written in one transaction.
func (s *ScanStore) CreateScan(ctx context.Context, inst *scan.Instance, config map[string]string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrScanStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, s.conn.Rebind(`
		INSERT INTO scan_instance (scan_id, name, seed_target, seed_type, created, started, ended, status, modules)
		VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $7)`),
		inst.ID, inst.Name, inst.TargetValue, inst.TargetType, inst.Created,
		string(inst.Status), strings.Join(inst.Modules, ","))
	if err != nil {
		return fmt.Errorf("%w: insert scan: %v", ErrScanStoreFailed, err)
	}

	insertConfig := s.conn.Rebind(`
		INSERT INTO scan_config (scan_id, component, opt, val) VALUES ($1, $2, $3, $4)`)

	for key, val := range config {
		component, opt := splitConfigKey(key)

		if _, err := tx.ExecContext(ctx, insertConfig, inst.ID, component, opt, val); err != nil {
			return fmt.Errorf("%w: insert config: %v", ErrScanStoreFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrScanStoreFailed, err)
	}

	return nil
}

// splitConfigKey splits a flattened "component.option" snapshot key.
func splitConfigKey(key string) (component, opt string) {
	if i := strings.Index(key, "."); i > 0 {
		return key[:i], key[i+1:]
	}

	return "_global", key
}

// ScanInstance implements scan.Store and query.Store.
func (s *ScanStore) ScanInstance(ctx context.Context, scanID string) (*scan.Instance, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT scan_id, name, seed_target, seed_type, created, started, ended, status, modules
		FROM scan_instance WHERE scan_id = $1`, scanID)

	inst, err := scanInstanceRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", scan.ErrScanNotFound, scanID)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: load scan: %v", ErrScanStoreFailed, err)
	}

	return inst, nil
}

// ListScans implements scan.Store and query.Store.
func (s *ScanStore) ListScans(ctx context.Context) ([]scan.Instance, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT scan_id, name, seed_target, seed_type, created, started, ended, status, modules
		FROM scan_instance ORDER BY created DESC, scan_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list scans: %v", ErrScanStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []scan.Instance

	for rows.Next() {
		inst, err := scanInstanceRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", ErrScanStoreFailed, err)
		}

		out = append(out, *inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list scans: %v", ErrScanStoreFailed, err)
	}

	return out, nil
}

func scanInstanceRow(scanFn func(dest ...any) error) (*scan.Instance, error) {
	var (
		inst    scan.Instance
		status  string
		modules string
	)

	err := scanFn(&inst.ID, &inst.Name, &inst.TargetValue, &inst.TargetType,
		&inst.Created, &inst.Started, &inst.Ended, &status, &modules)
	if err != nil {
		return nil, err
	}

	inst.Status = scan.Status(status)

	if modules != "" {
		inst.Modules = strings.Split(modules, ",")
	}

	return &inst, nil
}

// SetScanStatus implements scan.Store. The transition is validated against
// the current row; started/ended stamps follow the state machine.
func (s *ScanStore) SetScanStatus(ctx context.Context, scanID string, status scan.Status) error {
	inst, err := s.ScanInstance(ctx, scanID)
	if err != nil {
		return err
	}

	if !inst.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", scan.ErrInvalidTransition, inst.Status, status)
	}

	now := time.Now().Unix()

	started := inst.Started
	if status == scan.StatusRunning && started == 0 {
		started = now
	}

	ended := inst.Ended
	if status.Terminal() {
		ended = now
	}

	_, err = s.conn.ExecContext(ctx, `
		UPDATE scan_instance SET status = $1, started = $2, ended = $3 WHERE scan_id = $4`,
		string(status), started, ended, scanID)
	if err != nil {
		return fmt.Errorf("%w: update status: %v", ErrScanStoreFailed, err)
	}

	return nil
}

// StoreEvent implements scan.Store. Idempotent on (scan_id, hash).
func (s *ScanStore) StoreEvent(ctx context.Context, scanID string, evt *event.Event) (bool, error) {
	if evt == nil {
		return false, event.ErrNilEvent
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO scan_event (scan_id, hash, type, generated, confidence, visibility, risk, module, data, source_hash, false_positive)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0)
		ON CONFLICT (scan_id, hash) DO NOTHING`,
		scanID, evt.Hash, evt.Type, evt.Generated, evt.Confidence, evt.Visibility,
		evt.Risk, evt.Module, evt.Data, evt.SourceHash)
	if err != nil {
		return false, fmt.Errorf("%w: insert event: %v", ErrScanStoreFailed, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", ErrScanStoreFailed, err)
	}

	return affected > 0, nil
}

// MarkEventSeen implements scan.Store.
func (s *ScanStore) MarkEventSeen(ctx context.Context, scanID, hash string) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO scan_event_seen (scan_id, hash) VALUES ($1, $2)
		ON CONFLICT (scan_id, hash) DO NOTHING`, scanID, hash)
	if err != nil {
		return false, fmt.Errorf("%w: mark seen: %v", ErrScanStoreFailed, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", ErrScanStoreFailed, err)
	}

	return affected > 0, nil
}

// UpsertModuleState implements scan.Store.
func (s *ScanStore) UpsertModuleState(ctx context.Context, scanID string, state scan.ModuleState) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO module_state (scan_id, module, status, events_produced, started, ended)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scan_id, module) DO UPDATE SET
			status = excluded.status,
			events_produced = excluded.events_produced,
			started = excluded.started,
			ended = excluded.ended`,
		scanID, state.Module, string(state.Status), state.EventsProduced, state.Started, state.Ended)
	if err != nil {
		return fmt.Errorf("%w: upsert module state: %v", ErrScanStoreFailed, err)
	}

	return nil
}

// ModuleStates implements scan.Store and query.Store.
func (s *ScanStore) ModuleStates(ctx context.Context, scanID string) ([]scan.ModuleState, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT module, status, events_produced, started, ended
		FROM module_state WHERE scan_id = $1 ORDER BY module`, scanID)
	if err != nil {
		return nil, fmt.Errorf("%w: module states: %v", ErrScanStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []scan.ModuleState

	for rows.Next() {
		var (
			st     scan.ModuleState
			status string
		)

		if err := rows.Scan(&st.Module, &status, &st.EventsProduced, &st.Started, &st.Ended); err != nil {
			return nil, fmt.Errorf("%w: module state row: %v", ErrScanStoreFailed, err)
		}

		st.Status = scan.ModuleStatus(status)
		out = append(out, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: module states: %v", ErrScanStoreFailed, err)
	}

	return out, nil
}

// AppendScanLog implements scan.Store.
func (s *ScanStore) AppendScanLog(ctx context.Context, scanID string, entry scan.LogEntry) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO scan_log (scan_id, generated, component, type, message)
		VALUES ($1, $2, $3, $4, $5)`,
		scanID, entry.Generated, entry.Component, entry.Level, entry.Message)
	if err != nil {
		return fmt.Errorf("%w: append log: %v", ErrScanStoreFailed, err)
	}

	return nil
}

// SetFalsePositive implements scan.Store. The flag propagates to all
// transitive descendants of the given hashes via a recursive walk over
// source_hash, which both backends support.
func (s *ScanStore) SetFalsePositive(ctx context.Context, scanID string, hashes []string, fp bool) error {
	if len(hashes) == 0 {
		return nil
	}

	placeholders := make([]string, len(hashes))
	args := make([]any, 0, len(hashes)+3)
	args = append(args, scanID)

	for i, h := range hashes {
		placeholders[i] = "$" + strconv.Itoa(i+2)
		args = append(args, h)
	}

	next := len(hashes) + 2
	query := fmt.Sprintf(`
		WITH RECURSIVE affected (hash) AS (
			SELECT hash FROM scan_event WHERE scan_id = $1 AND hash IN (%s)
			UNION
			SELECT e.hash FROM scan_event e
			JOIN affected a ON e.source_hash = a.hash
			WHERE e.scan_id = $%d
		)
		UPDATE scan_event SET false_positive = $%d
		WHERE scan_id = $%d AND hash IN (SELECT hash FROM affected)`,
		strings.Join(placeholders, ", "), next, next+1, next+2)

	fpVal := 0
	if fp {
		fpVal = 1
	}

	args = append(args, scanID, fpVal, scanID)

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: set false positive: %v", ErrScanStoreFailed, err)
	}

	return nil
}

// DeleteScan implements scan.Store. Removes the scan and every dependent
// row in one transaction.
func (s *ScanStore) DeleteScan(ctx context.Context, scanID string) error {
	if _, err := s.ScanInstance(ctx, scanID); err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrScanStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	statements := []string{
		`DELETE FROM tbl_scan_correlation_results_events WHERE correlation_id IN
			(SELECT correlation_id FROM tbl_scan_correlation_results WHERE scan_id = $1)`,
		`DELETE FROM tbl_scan_correlation_results WHERE scan_id = $1`,
		`DELETE FROM scan_log WHERE scan_id = $1`,
		`DELETE FROM module_state WHERE scan_id = $1`,
		`DELETE FROM scan_event_seen WHERE scan_id = $1`,
		`DELETE FROM scan_event WHERE scan_id = $1`,
		`DELETE FROM scan_config WHERE scan_id = $1`,
		`DELETE FROM scan_instance WHERE scan_id = $1`,
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, s.conn.Rebind(stmt), scanID); err != nil {
			return fmt.Errorf("%w: delete scan: %v", ErrScanStoreFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrScanStoreFailed, err)
	}

	return nil
}

// ScanEvents implements correlation.Store: every event of the scan that is
// not flagged as a false positive, ordered by hash for determinism.
func (s *ScanStore) ScanEvents(ctx context.Context, scanID string) ([]event.Event, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT hash, type, generated, confidence, visibility, risk, module, data, source_hash, false_positive
		FROM scan_event WHERE scan_id = $1 AND false_positive = 0 ORDER BY hash`, scanID)
	if err != nil {
		return nil, fmt.Errorf("%w: scan events: %v", ErrScanStoreFailed, err)
	}

	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]event.Event, error) {
	defer func() {
		_ = rows.Close()
	}()

	var out []event.Event

	for rows.Next() {
		var (
			evt event.Event
			fp  int
		)

		err := rows.Scan(&evt.Hash, &evt.Type, &evt.Generated, &evt.Confidence,
			&evt.Visibility, &evt.Risk, &evt.Module, &evt.Data, &evt.SourceHash, &fp)
		if err != nil {
			return nil, fmt.Errorf("%w: event row: %v", ErrScanStoreFailed, err)
		}

		evt.FalsePositive = fp != 0
		out = append(out, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: events: %v", ErrScanStoreFailed, err)
	}

	return out, nil
}

// WriteCorrelation implements correlation.Store. One transaction per
// result; idempotent on correlation_id.
func (s *ScanStore) WriteCorrelation(ctx context.Context, scanID string, result correlation.Result) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrScanStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, s.conn.Rebind(`
		INSERT INTO tbl_scan_correlation_results
			(scan_id, correlation_id, rule_id, rule_name, rule_descr, rule_risk, rule_logic, title)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (correlation_id) DO NOTHING`),
		scanID, result.CorrelationID, result.RuleID, result.RuleName,
		result.RuleDescr, result.RuleRisk, result.RuleLogic, result.Title)
	if err != nil {
		return fmt.Errorf("%w: insert correlation: %v", ErrScanStoreFailed, err)
	}

	insertLink := s.conn.Rebind(`
		INSERT INTO tbl_scan_correlation_results_events (correlation_id, event_hash)
		VALUES ($1, $2)
		ON CONFLICT (correlation_id, event_hash) DO NOTHING`)

	for _, hash := range result.Events {
		if _, err := tx.ExecContext(ctx, insertLink, result.CorrelationID, hash); err != nil {
			return fmt.Errorf("%w: insert correlation link: %v", ErrScanStoreFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrScanStoreFailed, err)
	}

	return nil
}

// Events implements query.Store. Flagged false positives are excluded,
// same as ScanEvents.
func (s *ScanStore) Events(ctx context.Context, scanID string, filter query.EventFilter) ([]event.Event, error) {
	var (
		conditions = []string{"scan_id = $1", "false_positive = 0"}
		args       = []any{scanID}
	)

	addCondition := func(clause string, value any) {
		conditions = append(conditions, fmt.Sprintf(clause, len(args)+1))
		args = append(args, value)
	}

	if filter.Type != "" {
		addCondition("type = $%d", filter.Type)
	}

	if filter.Module != "" {
		addCondition("module = $%d", filter.Module)
	}

	if filter.MinRisk > 0 {
		addCondition("risk >= $%d", filter.MinRisk)
	}

	if filter.Since > 0 {
		addCondition("generated >= $%d", filter.Since)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventPageSize
	}

	args = append(args, limit, filter.Offset)

	q := fmt.Sprintf(`
		SELECT hash, type, generated, confidence, visibility, risk, module, data, source_hash, false_positive
		FROM scan_event WHERE %s
		ORDER BY generated, hash
		LIMIT $%d OFFSET $%d`,
		strings.Join(conditions, " AND "), len(args)-1, len(args))

	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %v", ErrScanStoreFailed, err)
	}

	return collectEvents(rows)
}

// EventsUnique implements query.Store.
func (s *ScanStore) EventsUnique(ctx context.Context, scanID, eventType string) ([]query.UniqueValue, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT data, COUNT(*) AS n FROM scan_event
		WHERE scan_id = $1 AND type = $2
		GROUP BY data ORDER BY n DESC, data`, scanID, eventType)
	if err != nil {
		return nil, fmt.Errorf("%w: unique events: %v", ErrScanStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []query.UniqueValue

	for rows.Next() {
		var uv query.UniqueValue

		if err := rows.Scan(&uv.Data, &uv.Count); err != nil {
			return nil, fmt.Errorf("%w: unique row: %v", ErrScanStoreFailed, err)
		}

		out = append(out, uv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: unique events: %v", ErrScanStoreFailed, err)
	}

	return out, nil
}

// Logs implements query.Store, newest first.
func (s *ScanStore) Logs(ctx context.Context, scanID string, filter query.LogFilter) ([]scan.LogEntry, error) {
	var (
		conditions = []string{"scan_id = $1"}
		args       = []any{scanID}
	)

	if filter.Level != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)+1))
		args = append(args, filter.Level)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventPageSize
	}

	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT generated, component, type, message FROM scan_log
		WHERE %s ORDER BY generated DESC LIMIT $%d`,
		strings.Join(conditions, " AND "), len(args))

	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: logs: %v", ErrScanStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []scan.LogEntry

	for rows.Next() {
		var entry scan.LogEntry

		if err := rows.Scan(&entry.Generated, &entry.Component, &entry.Level, &entry.Message); err != nil {
			return nil, fmt.Errorf("%w: log row: %v", ErrScanStoreFailed, err)
		}

		out = append(out, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: logs: %v", ErrScanStoreFailed, err)
	}

	return out, nil
}

// ScanConfig implements query.Store, returning the flattened snapshot.
func (s *ScanStore) ScanConfig(ctx context.Context, scanID string) (map[string]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT component, opt, val FROM scan_config WHERE scan_id = $1`, scanID)
	if err != nil {
		return nil, fmt.Errorf("%w: scan config: %v", ErrScanStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	out := make(map[string]string)

	for rows.Next() {
		var component, opt, val string

		if err := rows.Scan(&component, &opt, &val); err != nil {
			return nil, fmt.Errorf("%w: config row: %v", ErrScanStoreFailed, err)
		}

		out[component+"."+opt] = val
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan config: %v", ErrScanStoreFailed, err)
	}

	return out, nil
}

// Correlations implements query.Store.
func (s *ScanStore) Correlations(ctx context.Context, scanID string) ([]correlation.Result, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT correlation_id, rule_id, rule_name, rule_descr, rule_risk, rule_logic, title
		FROM tbl_scan_correlation_results WHERE scan_id = $1 ORDER BY rule_id, correlation_id`, scanID)
	if err != nil {
		return nil, fmt.Errorf("%w: correlations: %v", ErrScanStoreFailed, err)
	}

	var (
		out   []correlation.Result
		index = make(map[string]int)
	)

	func() {
		defer func() {
			_ = rows.Close()
		}()

		for rows.Next() {
			var res correlation.Result

			if scanErr := rows.Scan(&res.CorrelationID, &res.RuleID, &res.RuleName,
				&res.RuleDescr, &res.RuleRisk, &res.RuleLogic, &res.Title); scanErr != nil {
				err = scanErr

				return
			}

			index[res.CorrelationID] = len(out)
			out = append(out, res)
		}

		err = rows.Err()
	}()

	if err != nil {
		return nil, fmt.Errorf("%w: correlations: %v", ErrScanStoreFailed, err)
	}

	if len(out) == 0 {
		return out, nil
	}

	linkRows, err := s.conn.QueryContext(ctx, `
		SELECT l.correlation_id, l.event_hash
		FROM tbl_scan_correlation_results_events l
		JOIN tbl_scan_correlation_results r ON r.correlation_id = l.correlation_id
		WHERE r.scan_id = $1 ORDER BY l.correlation_id, l.event_hash`, scanID)
	if err != nil {
		return nil, fmt.Errorf("%w: correlation links: %v", ErrScanStoreFailed, err)
	}

	defer func() {
		_ = linkRows.Close()
	}()

	for linkRows.Next() {
		var correlationID, eventHash string

		if err := linkRows.Scan(&correlationID, &eventHash); err != nil {
			return nil, fmt.Errorf("%w: link row: %v", ErrScanStoreFailed, err)
		}

		if i, ok := index[correlationID]; ok {
			out[i].Events = append(out[i].Events, eventHash)
		}
	}

	if err := linkRows.Err(); err != nil {
		return nil, fmt.Errorf("%w: correlation links: %v", ErrScanStoreFailed, err)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RuleID != out[j].RuleID {
			return out[i].RuleID < out[j].RuleID
		}

		return out[i].CorrelationID < out[j].CorrelationID
	})

	return out, nil
}
