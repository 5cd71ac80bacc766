// Package statusstore is a typed view of the calculation_status bucket.
// Agents write the keys of calculations they execute; the registry reads
// and watches them.
package statusstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/qcrbox/qcrbox/internal/bus"
	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/protocol"
)

// ErrNotFound is returned by Get when no status has been written yet.
var ErrNotFound = errors.New("statusstore: not found")

// Update is one observed write to the bucket.
type Update struct {
	Details  model.CalculationStatusDetails
	Revision uint64
}

// Store reads and writes calculation status details.
type Store struct {
	kv     bus.KeyValue
	logger *slog.Logger
}

// Open binds the calculation_status bucket on b, creating it if needed.
func Open(ctx context.Context, b bus.Bus, logger *slog.Logger) (*Store, error) {
	kv, err := b.KeyValue(ctx, protocol.CalculationStatusBucket)
	if err != nil {
		return nil, fmt.Errorf("statusstore: open: %w", err)
	}
	return New(kv, logger), nil
}

// New wraps an existing bucket.
func New(kv bus.KeyValue, logger *slog.Logger) *Store {
	return &Store{kv: kv, logger: logger}
}

// Put writes the details under their calculation id.
func (s *Store) Put(ctx context.Context, d model.CalculationStatusDetails) error {
	if d.CalculationID == "" {
		return fmt.Errorf("statusstore: put: calculation_id is required")
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("statusstore: encode %s: %w", d.CalculationID, err)
	}
	if _, err := s.kv.Put(ctx, d.CalculationID, data); err != nil {
		return fmt.Errorf("statusstore: put %s: %w", d.CalculationID, err)
	}
	return nil
}

// Get returns the last written details for id.
func (s *Store) Get(ctx context.Context, id string) (model.CalculationStatusDetails, error) {
	e, err := s.kv.Get(ctx, id)
	if errors.Is(err, bus.ErrKeyNotFound) {
		return model.CalculationStatusDetails{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return model.CalculationStatusDetails{}, fmt.Errorf("statusstore: get %s: %w", id, err)
	}
	var d model.CalculationStatusDetails
	if err := json.Unmarshal(e.Value, &d); err != nil {
		return model.CalculationStatusDetails{}, fmt.Errorf("statusstore: decode %s: %w", id, err)
	}
	return d, nil
}

// Watch streams every current and future value. Deleted keys and values
// that fail to decode are skipped. The channel closes when ctx is done.
func (s *Store) Watch(ctx context.Context) (<-chan Update, error) {
	entries, err := s.kv.Watch(ctx)
	if err != nil {
		return nil, fmt.Errorf("statusstore: watch: %w", err)
	}
	out := make(chan Update)
	go func() {
		defer close(out)
		for e := range entries {
			if e.Deleted {
				continue
			}
			var d model.CalculationStatusDetails
			if err := json.Unmarshal(e.Value, &d); err != nil {
				s.logger.Warn("statusstore: skipping undecodable value", "key", e.Key, "error", err)
				continue
			}
			if d.CalculationID == "" {
				d.CalculationID = e.Key
			}
			select {
			case out <- Update{Details: d, Revision: e.Revision}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
