package storage

import (
	"log/slog"
	"time"

	"github.com/systemshift/atrepo/internal/car"
	"github.com/systemshift/atrepo/internal/metrics"
)

// Options are shared by every backend.
type Options struct {
	// Logger receives backend events. Nil discards them.
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Faults injects failures inside ApplyCommit. Tests only.
	Faults *Faults

	// GetBlocksBatch caps the CIDs looked up per backend round trip.
	// Default: DefaultGetBlocksBatch.
	GetBlocksBatch int

	// PageSize is the GetBlockRange page size used by GetCarStream.
	// Default: car.DefaultPageSize.
	PageSize int

	// Now stamps root updates. Default: time.Now.
	Now func() time.Time
}

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.GetBlocksBatch <= 0 {
		o.GetBlocksBatch = DefaultGetBlocksBatch
	}
	if o.PageSize <= 0 {
		o.PageSize = car.DefaultPageSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// ExportOptions derives CAR export settings.
func (o Options) ExportOptions() car.ExportOptions {
	return car.ExportOptions{PageSize: o.PageSize, Metrics: o.Metrics, Logger: o.Logger}
}
