// Package finder scans stored titles page by page and fans each one out as
// a job on the next stage's queue.
package finder

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vrsandeep/imdb-etl/internal/config"
	"github.com/vrsandeep/imdb-etl/internal/logger"
	"github.com/vrsandeep/imdb-etl/internal/models"
)

// DefaultPageSize is used when the configured page size is not positive.
const DefaultPageSize = 1000

// Enqueuer appends jobs to a queue in one batch.
type Enqueuer interface {
	EnqueueBulk(ctx context.Context, queue string, payloads []any) (int, error)
}

// TitleSource reads pages of title_basics.
type TitleSource interface {
	FindTitles(ctx context.Context, types []string, offset, limit int) ([]models.RelationalTitleRow, error)
}

// MovieSource reads pages of movie documents from the catalog.
type MovieSource interface {
	FindMovies(ctx context.Context, offset, limit int) ([]models.NormalizedTitle, error)
}

// paginate calls fetch with increasing offsets until a page shorter than
// pageSize is returned, handing every page to emit. An empty first page is
// not an error.
func paginate[T any](ctx context.Context, pageSize int,
	fetch func(ctx context.Context, offset, limit int) ([]T, error),
	emit func(ctx context.Context, page []T) error,
) (int, error) {
	total := 0
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		page, err := fetch(ctx, offset, pageSize)
		if err != nil {
			return total, fmt.Errorf("fetching page at offset %d: %w", offset, err)
		}
		if len(page) > 0 {
			if err := emit(ctx, page); err != nil {
				return total, err
			}
			total += len(page)
		}
		if len(page) < pageSize {
			return total, nil
		}
	}
}

// TitleFinder enqueues one normalization job per allowed title.
type TitleFinder struct {
	source   TitleSource
	queue    Enqueuer
	types    []string
	pageSize int
	log      zerolog.Logger
}

// NewTitleFinder creates a finder over the configured title types.
func NewTitleFinder(cfg *config.Config, source TitleSource, queue Enqueuer) *TitleFinder {
	pageSize := cfg.Finder.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	types := cfg.Finder.TitleTypes
	if len(types) == 0 {
		types = []string{models.TitleTypeMovie, models.TitleTypeTVSeries, models.TitleTypeTVMiniSeries}
	}
	return &TitleFinder{
		source:   source,
		queue:    queue,
		types:    types,
		pageSize: pageSize,
		log:      logger.Named(config.QueueFindTitles),
	}
}

// Execute scans every page and returns the number of jobs enqueued.
func (f *TitleFinder) Execute(ctx context.Context) (int, error) {
	fetch := func(ctx context.Context, offset, limit int) ([]models.RelationalTitleRow, error) {
		return f.source.FindTitles(ctx, f.types, offset, limit)
	}
	emit := func(ctx context.Context, page []models.RelationalTitleRow) error {
		_, err := f.queue.EnqueueBulk(ctx, config.QueueNormalizeTitles, lo.ToAnySlice(page))
		return err
	}

	n, err := paginate(ctx, f.pageSize, fetch, emit)
	if err != nil {
		return n, fmt.Errorf("finding titles: %w", err)
	}
	f.log.Info().Int("count", n).Strs("types", f.types).Msg("Enqueued titles for normalization")
	return n, nil
}

// MovieFinder enqueues one enrichment job per movie in the catalog.
type MovieFinder struct {
	source   MovieSource
	queue    Enqueuer
	pageSize int
	log      zerolog.Logger
}

// NewMovieFinder creates a finder over catalog movies.
func NewMovieFinder(cfg *config.Config, source MovieSource, queue Enqueuer) *MovieFinder {
	pageSize := cfg.Finder.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &MovieFinder{
		source:   source,
		queue:    queue,
		pageSize: pageSize,
		log:      logger.Named(config.QueueFindMovies),
	}
}

// Execute scans every page and returns the number of jobs enqueued.
func (f *MovieFinder) Execute(ctx context.Context) (int, error) {
	emit := func(ctx context.Context, page []models.NormalizedTitle) error {
		_, err := f.queue.EnqueueBulk(ctx, config.QueueComplementTitle, lo.ToAnySlice(page))
		return err
	}

	n, err := paginate(ctx, f.pageSize, f.source.FindMovies, emit)
	if err != nil {
		return n, fmt.Errorf("finding movies: %w", err)
	}
	f.log.Info().Int("count", n).Msg("Enqueued movies for enrichment")
	return n, nil
}
