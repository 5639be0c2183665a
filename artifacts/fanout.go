package artifacts

import (
	"context"
	"errors"
)

// Fanout writes every record to each of its persisters in order. All
// persisters are attempted; their errors are joined.
type Fanout []Persister

func (f Fanout) SaveRunSummary(ctx context.Context, rec RunSummaryRecord) error {
	var errs []error
	for _, p := range f {
		if err := p.SaveRunSummary(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) SaveArtifact(ctx context.Context, rec ArtifactRecord) error {
	var errs []error
	for _, p := range f {
		if err := p.SaveArtifact(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Compile-time interface check.
var _ Persister = Fanout(nil)
