package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/qcrbox/qcrbox/internal/model"
)

const calculationColumns = `calculation_id, application_slug, application_version, command_name, arguments,
	correlation_id, executing_client_id, executing_inbox_prefix, stdout, stderr, extra_info, created_at`

// CreateCalculation inserts calc and its initial events in one transaction.
func (db *DB) CreateCalculation(ctx context.Context, calc model.Calculation) error {
	if len(calc.Events) == 0 {
		return fmt.Errorf("storage: create calculation %s: no initial status event", calc.CalculationID)
	}
	if calc.CreatedAt.IsZero() {
		calc.CreatedAt = time.Now().UTC()
	}
	if calc.Arguments == nil {
		calc.Arguments = map[string]any{}
	}
	status := calc.Status()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin create calculation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO calculations (calculation_id, application_id, application_slug, application_version,
		     command_name, arguments, correlation_id, status, status_rank, created_at, updated_at)
		 SELECT $1, a.id, a.slug, a.version, $4, $5, $6, $7, $8, $9, $9
		 FROM applications a WHERE a.slug = $2 AND a.version = $3
		 ON CONFLICT (calculation_id) DO NOTHING`,
		calc.CalculationID, calc.ApplicationSlug, calc.ApplicationVersion, calc.CommandName,
		calc.Arguments, calc.CorrelationID, string(status), status.Rank(), calc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create calculation %s: %w", calc.CalculationID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.GetApplication(ctx, calc.ApplicationSlug, calc.ApplicationVersion); err != nil {
			return err
		}
		return fmt.Errorf("%w: calculation %s already exists", ErrConflict, calc.CalculationID)
	}

	for _, ev := range calc.Events {
		if _, err := tx.Exec(ctx,
			`INSERT INTO calculation_events (calculation_id, status, comment, created_at) VALUES ($1, $2, $3, $4)`,
			calc.CalculationID, string(ev.Status), ev.Comment, ev.Timestamp,
		); err != nil {
			return fmt.Errorf("storage: insert event for %s: %w", calc.CalculationID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit create calculation tx: %w", err)
	}
	return nil
}

// GetCalculation returns a calculation with its full event history.
func (db *DB) GetCalculation(ctx context.Context, id string) (model.Calculation, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+calculationColumns+` FROM calculations WHERE calculation_id = $1`, id,
	)
	calc, err := scanCalculation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Calculation{}, fmt.Errorf("%w: calculation %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Calculation{}, fmt.Errorf("storage: get calculation %s: %w", id, err)
	}

	events, err := db.loadEvents(ctx, []string{id})
	if err != nil {
		return model.Calculation{}, err
	}
	calc.Events = events[id]
	return calc, nil
}

// ListCalculations returns a page of calculations, newest first, and the
// total count.
func (db *DB) ListCalculations(ctx context.Context, limit, offset int) ([]model.Calculation, int, error) {
	limit, offset = ClampPage(limit, offset)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM calculations`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count calculations: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+calculationColumns+` FROM calculations
		 ORDER BY created_at DESC, calculation_id
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list calculations: %w", err)
	}
	defer rows.Close()

	var (
		calcs []model.Calculation
		ids   []string
	)
	for rows.Next() {
		c, err := scanCalculation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan calculation: %w", err)
		}
		calcs = append(calcs, c)
		ids = append(ids, c.CalculationID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: list calculations: %w", err)
	}

	events, err := db.loadEvents(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range calcs {
		calcs[i].Events = events[calcs[i].CalculationID]
	}
	return calcs, total, nil
}

func (db *DB) loadEvents(ctx context.Context, ids []string) (map[string][]model.CalculationStatusEvent, error) {
	out := make(map[string][]model.CalculationStatusEvent, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT calculation_id, status, comment, created_at FROM calculation_events
		 WHERE calculation_id = ANY($1) ORDER BY calculation_id, id`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id     string
			status string
			ev     model.CalculationStatusEvent
		)
		if err := rows.Scan(&id, &status, &ev.Comment, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.Status = model.CalculationStatus(status)
		out[id] = append(out[id], ev)
	}
	return out, rows.Err()
}

// AppendStatusEvent advances the calculation to ev.Status when that ranks
// above its current status. Repeats, regressions and anything after a
// terminal status are dropped.
func (db *DB) AppendStatusEvent(ctx context.Context, id string, ev model.CalculationStatusEvent) (bool, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	var appended bool
	err := statusRetry.Do(ctx, func() error {
		appended = false
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx,
			`UPDATE calculations SET status = $2, status_rank = $3, updated_at = $4
			 WHERE calculation_id = $1 AND status_rank < $3`,
			id, string(ev.Status), ev.Status.Rank(), ev.Timestamp,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO calculation_events (calculation_id, status, comment, created_at) VALUES ($1, $2, $3, $4)`,
			id, string(ev.Status), ev.Comment, ev.Timestamp,
		); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		appended = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storage: append status event for %s: %w", id, err)
	}
	if !appended {
		if err := db.exists(ctx, id); err != nil {
			return false, err
		}
	}
	return appended, nil
}

// UpdateOutput replaces the output snapshot of a calculation.
func (db *DB) UpdateOutput(ctx context.Context, d model.CalculationStatusDetails) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE calculations SET stdout = $2, stderr = $3, extra_info = $4, updated_at = $5
		 WHERE calculation_id = $1`,
		d.CalculationID, d.Stdout, d.Stderr, d.ExtraInfo, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: update output for %s: %w", d.CalculationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: calculation %s", ErrNotFound, d.CalculationID)
	}
	return nil
}

// BindExecutor is a compare-and-set on executing_client_id.
func (db *DB) BindExecutor(ctx context.Context, id string, client model.ExecutingClientDetails) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE calculations SET executing_client_id = $2, executing_inbox_prefix = $3, updated_at = $4
		 WHERE calculation_id = $1 AND executing_client_id IS NULL AND status_rank < $5`,
		id, client.ClientID, client.PrivateInboxPrefix, time.Now().UTC(), model.StatusCompleted.Rank(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: bind executor for %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, db.exists(ctx, id)
}

// StaleUnbound lists unbound calculations created before cutoff that are
// still waiting for a client.
func (db *DB) StaleUnbound(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT calculation_id FROM calculations
		 WHERE executing_client_id IS NULL AND status_rank < $1 AND created_at < $2
		 ORDER BY created_at`,
		model.StatusRunning.Rank(), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stale calculations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan stale calculation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *DB) exists(ctx context.Context, id string) error {
	var found bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM calculations WHERE calculation_id = $1)`, id,
	).Scan(&found); err != nil {
		return fmt.Errorf("storage: check calculation %s: %w", id, err)
	}
	if !found {
		return fmt.Errorf("%w: calculation %s", ErrNotFound, id)
	}
	return nil
}

func scanCalculation(row pgx.Row) (model.Calculation, error) {
	var (
		c           model.Calculation
		clientID    *string
		inboxPrefix *string
	)
	if err := row.Scan(
		&c.CalculationID, &c.ApplicationSlug, &c.ApplicationVersion, &c.CommandName, &c.Arguments,
		&c.CorrelationID, &clientID, &inboxPrefix, &c.Stdout, &c.Stderr, &c.ExtraInfo, &c.CreatedAt,
	); err != nil {
		return model.Calculation{}, err
	}
	if clientID != nil {
		c.ExecutingClient = &model.ExecutingClientDetails{ClientID: *clientID}
		if inboxPrefix != nil {
			c.ExecutingClient.PrivateInboxPrefix = *inboxPrefix
		}
	}
	return c, nil
}
