package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/vrsandeep/imdb-etl/internal/models"
)

// FindTitles returns one page of title_basics rows whose type is in types,
// ordered by tconst descending.
func (s *Store) FindTitles(ctx context.Context, types []string, offset, limit int) ([]models.RelationalTitleRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tconst, titletype, primarytitle, originaltitle, isadult,
		       startyear, endyear, runtimeminutes, genres
		FROM title_basics
		WHERE titletype = ANY($1)
		ORDER BY tconst DESC
		OFFSET $2 LIMIT $3`, types, offset, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[models.RelationalTitleRow])
}

// BestRating returns the rating with the most votes for a title, ignoring
// rows without a value or a vote count. It returns nil when there is none.
func (s *Store) BestRating(ctx context.Context, imdbID string) (*models.Rating, error) {
	var r models.Rating
	err := s.pool.QueryRow(ctx, `
		SELECT averagerating, numvotes
		FROM title_ratings
		WHERE tconst = $1 AND averagerating IS NOT NULL AND numvotes IS NOT NULL
		ORDER BY numvotes DESC, tconst
		LIMIT 1`, imdbID).Scan(&r.Value, &r.Votes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Source = models.RatingSourceIMDB
	return &r, nil
}

// Episodes returns every episode of a series, joined with its basics and
// ordered by season, episode and id.
func (s *Store) Episodes(ctx context.Context, parentID string) ([]models.EpisodeRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.tconst, e.seasonnumber, e.episodenumber,
		       b.primarytitle, b.originaltitle, b.runtimeminutes
		FROM title_episode e
		LEFT JOIN title_basics b ON b.tconst = e.tconst
		WHERE e.parenttconst = $1
		ORDER BY e.seasonnumber NULLS LAST, e.episodenumber NULLS LAST, e.tconst`, parentID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[models.EpisodeRow])
}
