package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/storage"
)

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

func decodeMap(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterApplication inserts spec unless slug and version are taken.
func (s *DB) RegisterApplication(ctx context.Context, spec *model.ApplicationSpec) (storage.ApplicationRecord, bool, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return storage.ApplicationRecord{}, false, fmt.Errorf("sqlitestore: encode application %s: %w", spec.Key(), err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO applications (slug, version, name, description, url, email, doi, gui_url, spec, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (slug, version) DO NOTHING`,
		spec.Slug, spec.Version, spec.Name, spec.Description, spec.URL, spec.Email, spec.DOI, spec.GUIURL,
		string(raw), nanos(now),
	)
	if err != nil {
		return storage.ApplicationRecord{}, false, fmt.Errorf("sqlitestore: register application %s: %w", spec.Key(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		rec, err := s.GetApplication(ctx, spec.Slug, spec.Version)
		return rec, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.ApplicationRecord{}, false, fmt.Errorf("sqlitestore: application id: %w", err)
	}
	return storage.ApplicationRecord{ID: id, Spec: spec, CreatedAt: fromNanos(nanos(now))}, true, nil
}

// GetApplication returns the application registered under slug and version.
func (s *DB) GetApplication(ctx context.Context, slug, version string) (storage.ApplicationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, spec, created_at FROM applications WHERE slug = ? AND version = ?`, slug, version,
	)
	rec, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ApplicationRecord{}, fmt.Errorf("%w: application %s.%s", storage.ErrNotFound, slug, version)
	}
	if err != nil {
		return storage.ApplicationRecord{}, fmt.Errorf("sqlitestore: get application %s.%s: %w", slug, version, err)
	}
	return rec, nil
}

// ListApplications returns every application ordered by slug and version.
func (s *DB) ListApplications(ctx context.Context) ([]storage.ApplicationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, spec, created_at FROM applications ORDER BY slug, version`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list applications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.ApplicationRecord
	for rows.Next() {
		rec, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan application: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApplication(row scanner) (storage.ApplicationRecord, error) {
	var (
		rec     storage.ApplicationRecord
		raw     string
		created int64
	)
	if err := row.Scan(&rec.ID, &raw, &created); err != nil {
		return storage.ApplicationRecord{}, err
	}
	spec, err := storage.DecodeApplication([]byte(raw))
	if err != nil {
		return storage.ApplicationRecord{}, err
	}
	rec.Spec = spec
	rec.CreatedAt = fromNanos(created)
	return rec, nil
}

const calculationColumns = `calculation_id, application_slug, application_version, command_name, arguments,
	correlation_id, executing_client_id, executing_inbox_prefix, stdout, stderr, extra_info, created_at`

// CreateCalculation inserts calc and its initial events in one transaction.
func (s *DB) CreateCalculation(ctx context.Context, calc model.Calculation) error {
	if len(calc.Events) == 0 {
		return fmt.Errorf("sqlitestore: create calculation %s: no initial status event", calc.CalculationID)
	}
	if calc.CreatedAt.IsZero() {
		calc.CreatedAt = time.Now().UTC()
	}
	if calc.Arguments == nil {
		calc.Arguments = map[string]any{}
	}
	args, err := encodeJSON(calc.Arguments)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode arguments: %w", err)
	}
	status := calc.Status()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var appID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM applications WHERE slug = ? AND version = ?`,
			calc.ApplicationSlug, calc.ApplicationVersion,
		).Scan(&appID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: application %s.%s", storage.ErrNotFound, calc.ApplicationSlug, calc.ApplicationVersion)
		}
		if err != nil {
			return fmt.Errorf("sqlitestore: resolve application: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO calculations (calculation_id, application_id, application_slug, application_version,
			     command_name, arguments, correlation_id, status, status_rank, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (calculation_id) DO NOTHING`,
			calc.CalculationID, appID, calc.ApplicationSlug, calc.ApplicationVersion, calc.CommandName,
			args, calc.CorrelationID, string(status), status.Rank(), nanos(calc.CreatedAt), nanos(calc.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("sqlitestore: create calculation %s: %w", calc.CalculationID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: calculation %s already exists", storage.ErrConflict, calc.CalculationID)
		}
		for _, ev := range calc.Events {
			if err := insertEvent(ctx, tx, calc.CalculationID, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertEvent(ctx context.Context, tx *sql.Tx, id string, ev model.CalculationStatusEvent) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO calculation_events (calculation_id, status, comment, created_at) VALUES (?, ?, ?, ?)`,
		id, string(ev.Status), ev.Comment, nanos(ev.Timestamp),
	); err != nil {
		return fmt.Errorf("sqlitestore: insert event for %s: %w", id, err)
	}
	return nil
}

// GetCalculation returns a calculation with its full event history.
func (s *DB) GetCalculation(ctx context.Context, id string) (model.Calculation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+calculationColumns+` FROM calculations WHERE calculation_id = ?`, id,
	)
	calc, err := scanCalculation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Calculation{}, fmt.Errorf("%w: calculation %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return model.Calculation{}, fmt.Errorf("sqlitestore: get calculation %s: %w", id, err)
	}
	events, err := s.loadEvents(ctx, []string{id})
	if err != nil {
		return model.Calculation{}, err
	}
	calc.Events = events[id]
	return calc, nil
}

// ListCalculations returns a page of calculations, newest first, and the
// total count.
func (s *DB) ListCalculations(ctx context.Context, limit, offset int) ([]model.Calculation, int, error) {
	limit, offset = storage.ClampPage(limit, offset)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM calculations`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlitestore: count calculations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+calculationColumns+` FROM calculations
		 ORDER BY created_at DESC, calculation_id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlitestore: list calculations: %w", err)
	}
	var (
		calcs []model.Calculation
		ids   []string
	)
	for rows.Next() {
		c, err := scanCalculation(rows)
		if err != nil {
			_ = rows.Close()
			return nil, 0, fmt.Errorf("sqlitestore: scan calculation: %w", err)
		}
		calcs = append(calcs, c)
		ids = append(ids, c.CalculationID)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("sqlitestore: list calculations: %w", err)
	}

	events, err := s.loadEvents(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range calcs {
		calcs[i].Events = events[calcs[i].CalculationID]
	}
	return calcs, total, nil
}

func (s *DB) loadEvents(ctx context.Context, ids []string) (map[string][]model.CalculationStatusEvent, error) {
	out := make(map[string][]model.CalculationStatusEvent, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT calculation_id, status, comment, created_at FROM calculation_events
		 WHERE calculation_id IN (`+placeholders+`) ORDER BY calculation_id, id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id      string
			status  string
			created int64
			ev      model.CalculationStatusEvent
		)
		if err := rows.Scan(&id, &status, &ev.Comment, &created); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}
		ev.Status = model.CalculationStatus(status)
		ev.Timestamp = fromNanos(created)
		out[id] = append(out[id], ev)
	}
	return out, rows.Err()
}

// AppendStatusEvent advances the calculation when ev.Status ranks above its
// current status.
func (s *DB) AppendStatusEvent(ctx context.Context, id string, ev model.CalculationStatusEvent) (bool, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	var appended bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE calculations SET status = ?, status_rank = ?, updated_at = ?
			 WHERE calculation_id = ? AND status_rank < ?`,
			string(ev.Status), ev.Status.Rank(), nanos(ev.Timestamp), id, ev.Status.Rank(),
		)
		if err != nil {
			return fmt.Errorf("sqlitestore: append status event for %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return existsTx(ctx, tx, id)
		}
		appended = true
		return insertEvent(ctx, tx, id, ev)
	})
	if err != nil {
		return false, err
	}
	return appended, nil
}

// UpdateOutput replaces the output snapshot of a calculation.
func (s *DB) UpdateOutput(ctx context.Context, d model.CalculationStatusDetails) error {
	extra, err := encodeJSON(d.ExtraInfo)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode extra_info: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE calculations SET stdout = ?, stderr = ?, extra_info = ?, updated_at = ? WHERE calculation_id = ?`,
		d.Stdout, d.Stderr, extra, nanos(time.Now()), d.CalculationID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: update output for %s: %w", d.CalculationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: calculation %s", storage.ErrNotFound, d.CalculationID)
	}
	return nil
}

// BindExecutor is a compare-and-set on executing_client_id.
func (s *DB) BindExecutor(ctx context.Context, id string, client model.ExecutingClientDetails) (bool, error) {
	var won bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE calculations SET executing_client_id = ?, executing_inbox_prefix = ?, updated_at = ?
			 WHERE calculation_id = ? AND executing_client_id IS NULL AND status_rank < ?`,
			client.ClientID, client.PrivateInboxPrefix, nanos(time.Now()), id, model.StatusCompleted.Rank(),
		)
		if err != nil {
			return fmt.Errorf("sqlitestore: bind executor for %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			won = true
			return nil
		}
		return existsTx(ctx, tx, id)
	})
	return won, err
}

// StaleUnbound lists unbound calculations created before cutoff that are
// still waiting for a client.
func (s *DB) StaleUnbound(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT calculation_id FROM calculations
		 WHERE executing_client_id IS NULL AND status_rank < ? AND created_at < ?
		 ORDER BY created_at`,
		model.StatusRunning.Rank(), nanos(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list stale calculations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan stale calculation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func existsTx(ctx context.Context, tx *sql.Tx, id string) error {
	var found int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM calculations WHERE calculation_id = ?`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: calculation %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("sqlitestore: check calculation %s: %w", id, err)
	}
	return nil
}

func scanCalculation(row scanner) (model.Calculation, error) {
	var (
		c           model.Calculation
		args        string
		clientID    sql.NullString
		inboxPrefix sql.NullString
		extra       sql.NullString
		created     int64
	)
	if err := row.Scan(
		&c.CalculationID, &c.ApplicationSlug, &c.ApplicationVersion, &c.CommandName, &args,
		&c.CorrelationID, &clientID, &inboxPrefix, &c.Stdout, &c.Stderr, &extra, &created,
	); err != nil {
		return model.Calculation{}, err
	}
	if err := json.Unmarshal([]byte(args), &c.Arguments); err != nil {
		return model.Calculation{}, fmt.Errorf("decode arguments: %w", err)
	}
	info, err := decodeMap(extra)
	if err != nil {
		return model.Calculation{}, fmt.Errorf("decode extra_info: %w", err)
	}
	c.ExtraInfo = info
	c.CreatedAt = fromNanos(created)
	if clientID.Valid {
		c.ExecutingClient = &model.ExecutingClientDetails{ClientID: clientID.String, PrivateInboxPrefix: inboxPrefix.String}
	}
	return c, nil
}
