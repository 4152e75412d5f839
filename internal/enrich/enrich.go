// Package enrich complements catalog movies with metadata and torrent
// variants from the YTS index.
package enrich

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vrsandeep/imdb-etl/internal/config"
	"github.com/vrsandeep/imdb-etl/internal/logger"
	"github.com/vrsandeep/imdb-etl/internal/models"
)

// Lookup finds the enrichment fields of a movie. A nil result with a nil
// error means there is no match.
type Lookup interface {
	MovieDetails(ctx context.Context, imdbID string) (*models.Complement, error)
}

// Merger writes enrichment fields into an existing catalog document.
type Merger interface {
	MergeComplement(ctx context.Context, imdbID string, c *models.Complement) (*models.ComplementedTitle, error)
}

// Enqueuer appends one job to a queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any) (int64, error)
}

type Enricher struct {
	lookup           Lookup
	catalog          Merger
	queue            Enqueuer
	enqueueDownloads bool
	log              zerolog.Logger
}

func New(cfg *config.Config, lookup Lookup, catalog Merger, queue Enqueuer) *Enricher {
	return &Enricher{
		lookup:           lookup,
		catalog:          catalog,
		queue:            queue,
		enqueueDownloads: cfg.Enrich.EnqueueDownloads,
		log:              logger.Named(config.QueueComplementTitle),
	}
}

// Execute enriches one title. Non-movies and titles the index does not know
// are skipped without error.
func (e *Enricher) Execute(ctx context.Context, title *models.NormalizedTitle) error {
	if err := title.Validate(); err != nil {
		return err
	}
	log := e.log.With().Str("imdbId", title.ImdbID).Logger()

	if !title.IsMovie() {
		log.Debug().Str("titleType", title.TitleType).Msg("Skipping non-movie title")
		return nil
	}

	comp, err := e.lookup.MovieDetails(ctx, title.ImdbID)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", title.ImdbID, err)
	}
	if comp == nil {
		log.Debug().Msg("Title not found on YTS")
		return nil
	}

	merged, err := e.catalog.MergeComplement(ctx, title.ImdbID, comp)
	if err != nil {
		return err
	}
	log.Info().Int("torrents", len(merged.Torrents)).Msg("Title complemented")

	if !e.enqueueDownloads {
		return nil
	}
	if _, err := e.queue.Enqueue(ctx, config.QueueDownloadTorrent, merged); err != nil {
		return fmt.Errorf("enqueueing download of %s: %w", title.ImdbID, err)
	}
	return nil
}
