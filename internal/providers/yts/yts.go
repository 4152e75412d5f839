// Package yts is a client for the YTS movie index, used to enrich movies
// with descriptions, trailers, covers and torrent variants.
package yts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/vrsandeep/imdb-etl/internal/config"
	"github.com/vrsandeep/imdb-etl/internal/logger"
	"github.com/vrsandeep/imdb-etl/internal/models"
)

const youtubeWatchURL = "https://www.youtube.com/watch?v="

// Client queries one or more YTS mirrors, in order.
type Client struct {
	client   *http.Client
	baseURLs []string
	limiter  *rate.Limiter
	log      zerolog.Logger
}

// New creates a client from the YTS configuration.
func New(cfg *config.Config) *Client {
	timeout := cfg.YTS.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return NewWithBaseURL(&http.Client{Timeout: timeout}, cfg.YTS.RequestsPerSecond, cfg.YTS.BaseURLs...)
}

// NewWithBaseURL creates a client over explicit mirrors. A non-positive rps
// disables rate limiting.
func NewWithBaseURL(client *http.Client, rps float64, baseURLs ...string) *Client {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	urls := lo.Map(baseURLs, func(u string, _ int) string { return strings.TrimRight(u, "/") })
	return &Client{
		client:   client,
		baseURLs: urls,
		limiter:  rate.NewLimiter(limit, 1),
		log:      logger.Named("yts"),
	}
}

// MovieDetails looks a movie up by IMDb id. It returns nil, nil when the
// index has no entry for the id. Mirrors are tried in order until one
// answers with a decodable response.
func (c *Client) MovieDetails(ctx context.Context, imdbID string) (*models.Complement, error) {
	if len(c.baseURLs) == 0 {
		return nil, errors.New("no yts base url configured")
	}

	var lastErr error
	for i, base := range c.baseURLs {
		movie, err := c.fetch(ctx, base, imdbID)
		if err == nil {
			if i > 0 {
				c.log.Info().Str("url", base).Msg("YTS fallback endpoint succeeded")
			}
			if movie == nil || movie.Title == nil {
				return nil, nil
			}
			return toComplement(movie), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.log.Debug().Err(err).Str("url", base).Msg("YTS endpoint failed, trying next")
	}
	return nil, fmt.Errorf("failed to fetch %s from all YTS endpoints: %w", imdbID, lastErr)
}

func (c *Client) fetch(ctx context.Context, base, imdbID string) (*Movie, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/api/v2/movie_details.json?imdb_id=%s", base, url.QueryEscape(imdbID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yts returned status: %s", resp.Status)
	}

	var body MovieDetailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding yts response: %w", err)
	}
	if body.Status != "" && body.Status != "ok" {
		return nil, fmt.Errorf("yts error: %s", body.StatusMessage)
	}
	return body.Data.Movie, nil
}

func toComplement(m *Movie) *models.Complement {
	comp := &models.Complement{
		DescriptionIntro: m.DescriptionIntro,
		DescriptionFull:  m.DescriptionFull,
		Trailers:         []models.Trailer{},
		Covers:           []models.Cover{},
		Torrents:         []models.TorrentDescriptor{},
	}

	if m.YTTrailerCode != "" {
		comp.Trailers = append(comp.Trailers, models.Trailer{
			URL:  youtubeWatchURL + m.YTTrailerCode,
			Type: "youtube",
		})
	}

	for _, cover := range []models.Cover{
		{URL: m.LargeCoverImage, Size: "large"},
		{URL: m.MediumCoverImage, Size: "medium"},
		{URL: m.SmallCoverImage, Size: "small"},
	} {
		if cover.URL != "" {
			comp.Covers = append(comp.Covers, cover)
		}
	}

	for _, t := range m.Torrents {
		comp.Torrents = append(comp.Torrents, models.TorrentDescriptor{
			Hash:          t.Hash,
			Quality:       t.Quality,
			Type:          t.Type,
			URL:           t.URL,
			SizeBytes:     t.SizeBytes,
			Seeds:         t.Seeds,
			Peers:         t.Peers,
			VideoCodec:    t.VideoCodec,
			AudioChannels: t.AudioChannels,
		})
	}
	return comp
}
