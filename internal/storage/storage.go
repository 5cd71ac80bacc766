package storage

import (
	"context"
	"time"

	"github.com/qcrbox/qcrbox/internal/model"
)

// Store is the durable record of applications and calculations. DB
// implements it on PostgreSQL; sqlitestore.DB on an embedded SQLite file.
type Store interface {
	// RegisterApplication inserts spec unless its slug and version already
	// exist. created is false when the existing record was returned.
	RegisterApplication(ctx context.Context, spec *model.ApplicationSpec) (rec ApplicationRecord, created bool, err error)
	GetApplication(ctx context.Context, slug, version string) (ApplicationRecord, error)
	ListApplications(ctx context.Context) ([]ApplicationRecord, error)

	// CreateCalculation inserts calc together with its initial events.
	CreateCalculation(ctx context.Context, calc model.Calculation) error
	GetCalculation(ctx context.Context, id string) (model.Calculation, error)
	ListCalculations(ctx context.Context, limit, offset int) ([]model.Calculation, int, error)

	// AppendStatusEvent records ev only if its status ranks above the
	// current one. It reports whether the event was appended.
	AppendStatusEvent(ctx context.Context, id string, ev model.CalculationStatusEvent) (bool, error)
	// UpdateOutput replaces the stdout, stderr and extra_info snapshot.
	UpdateOutput(ctx context.Context, d model.CalculationStatusDetails) error
	// BindExecutor sets the executing client if none is set and the
	// calculation has not ended. It reports whether this call won the bind.
	BindExecutor(ctx context.Context, id string, client model.ExecutingClientDetails) (bool, error)
	// StaleUnbound lists calculations created before cutoff that have no
	// executing client and have not started running.
	StaleUnbound(ctx context.Context, cutoff time.Time) ([]string, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context)
}

// ApplicationRecord is a stored application spec.
type ApplicationRecord struct {
	ID        int64
	Spec      *model.ApplicationSpec
	CreatedAt time.Time
}

// Summary projects the record for list responses.
func (r ApplicationRecord) Summary() model.ApplicationSummary {
	commands := make([]string, 0, len(r.Spec.Commands))
	for _, c := range r.Spec.Commands {
		commands = append(commands, c.CommandName())
	}
	return model.ApplicationSummary{
		ID:          r.ID,
		Name:        r.Spec.Name,
		Slug:        r.Spec.Slug,
		Version:     r.Spec.Version,
		Description: r.Spec.Description,
		URL:         r.Spec.URL,
		GUIURL:      r.Spec.GUIURL,
		Commands:    commands,
		CreatedAt:   r.CreatedAt,
	}
}

// ClampPage normalises list pagination.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
