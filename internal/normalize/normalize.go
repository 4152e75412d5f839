// Package normalize turns a relational title row into its catalog document.
package normalize

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vrsandeep/imdb-etl/internal/config"
	"github.com/vrsandeep/imdb-etl/internal/logger"
	"github.com/vrsandeep/imdb-etl/internal/models"
)

// UnknownSeason groups episodes whose season number is absent.
const UnknownSeason = "unknown"

// TitleDetails reads the related rows of a title.
type TitleDetails interface {
	BestRating(ctx context.Context, imdbID string) (*models.Rating, error)
	Episodes(ctx context.Context, parentID string) ([]models.EpisodeRow, error)
}

// CatalogWriter persists normalized documents.
type CatalogWriter interface {
	UpsertNormalized(ctx context.Context, t *models.NormalizedTitle) error
}

type Normalizer struct {
	details TitleDetails
	catalog CatalogWriter
	log     zerolog.Logger
}

func New(details TitleDetails, catalog CatalogWriter) *Normalizer {
	return &Normalizer{
		details: details,
		catalog: catalog,
		log:     logger.Named(config.QueueNormalizeTitles),
	}
}

// Execute builds and stores the document of one title. Running it twice on
// the same row leaves the catalog unchanged.
func (n *Normalizer) Execute(ctx context.Context, row *models.RelationalTitleRow) error {
	if err := row.Validate(); err != nil {
		return err
	}

	title, err := n.Build(ctx, row)
	if err != nil {
		return err
	}
	if err := n.catalog.UpsertNormalized(ctx, title); err != nil {
		return err
	}

	n.log.Debug().
		Str("imdbId", title.ImdbID).
		Str("titleType", title.TitleType).
		Int("seasons", len(title.Seasons)).
		Msg("Normalized title")
	return nil
}

// Build assembles the normalized document without writing it.
func (n *Normalizer) Build(ctx context.Context, row *models.RelationalTitleRow) (*models.NormalizedTitle, error) {
	title := &models.NormalizedTitle{
		ImdbID:         row.Tconst,
		PrimaryTitle:   row.PrimaryTitle,
		OriginalTitle:  row.OriginalTitle,
		StartYear:      row.StartYear,
		EndYear:        row.EndYear,
		RuntimeMinutes: row.RuntimeMinutes,
		TitleType:      row.TitleType,
		IsAdult:        row.IsAdult != nil && *row.IsAdult,
		Genres:         SplitGenres(row.Genres),
		Ratings:        []models.Rating{},
	}

	rating, err := n.details.BestRating(ctx, row.Tconst)
	if err != nil {
		return nil, fmt.Errorf("reading rating of %s: %w", row.Tconst, err)
	}
	if rating != nil {
		rating.Source = models.RatingSourceIMDB
		title.Ratings = append(title.Ratings, *rating)
	}

	if models.IsSeriesType(row.TitleType) {
		episodes, err := n.details.Episodes(ctx, row.Tconst)
		if err != nil {
			return nil, fmt.Errorf("reading episodes of %s: %w", row.Tconst, err)
		}
		title.Seasons = GroupSeasons(episodes)
	}
	return title, nil
}

// SplitGenres splits the comma-separated genre list. An absent or empty
// list yields an empty slice.
func SplitGenres(genres *string) []string {
	out := []string{}
	if genres == nil {
		return out
	}
	for _, g := range strings.Split(*genres, ",") {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}

// GroupSeasons groups episodes by season number, keeping their order within
// each season. Seasons are keyed by the decimal season number.
func GroupSeasons(rows []models.EpisodeRow) map[string][]models.Episode {
	seasons := make(map[string][]models.Episode)
	for _, r := range rows {
		key := UnknownSeason
		if r.SeasonNumber != nil {
			key = strconv.Itoa(*r.SeasonNumber)
		}
		seasons[key] = append(seasons[key], models.Episode{
			ImdbID:         r.Tconst,
			EpisodeNumber:  r.EpisodeNumber,
			PrimaryTitle:   deref(r.PrimaryTitle),
			OriginalTitle:  deref(r.OriginalTitle),
			RuntimeMinutes: r.RuntimeMinutes,
		})
	}
	return seasons
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
