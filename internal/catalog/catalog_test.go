// These tests need a MongoDB server and are skipped unless
// IMDBETL_TEST_MONGO_URL is set.

package catalog

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/imdb-etl/internal/models"
)

func setupCatalog(t *testing.T) *Catalog {
	t.Helper()
	uri := os.Getenv("IMDBETL_TEST_MONGO_URL")
	if uri == "" {
		t.Skip("IMDBETL_TEST_MONGO_URL not set")
	}
	ctx := context.Background()
	coll := fmt.Sprintf("titles_test_%d", time.Now().UnixNano())
	c, err := Connect(ctx, uri, "imdb_etl_test", coll)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.coll.Drop(ctx)
		c.Close(ctx)
	})
	return c
}

func movie(id string) *models.NormalizedTitle {
	year := 2001
	return &models.NormalizedTitle{
		ImdbID:       id,
		PrimaryTitle: "Title " + id,
		TitleType:    models.TitleTypeMovie,
		StartYear:    &year,
		Genres:       []string{"Drama"},
		Ratings:      []models.Rating{},
	}
}

func TestUpsertNormalized_IsIdempotent(t *testing.T) {
	c := setupCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.UpsertNormalized(ctx, movie("tt0000001")))
	require.NoError(t, c.UpsertNormalized(ctx, movie("tt0000001")))

	n, err := c.coll.CountDocuments(ctx, map[string]any{"imdbId": "tt0000001"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMergeComplement_PreservesNormalizedFields(t *testing.T) {
	c := setupCatalog(t)
	ctx := context.Background()
	require.NoError(t, c.UpsertNormalized(ctx, movie("tt0000002")))

	merged, err := c.MergeComplement(ctx, "tt0000002", &models.Complement{
		DescriptionFull: "A film.",
		Torrents:        []models.TorrentDescriptor{{Hash: "ABC", Quality: "1080p"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Title tt0000002", merged.PrimaryTitle)
	assert.Equal(t, "A film.", merged.DescriptionFull)
	require.Len(t, merged.Torrents, 1)

	// A later normalization run keeps the enrichment fields.
	updated := movie("tt0000002")
	updated.PrimaryTitle = "Renamed"
	require.NoError(t, c.UpsertNormalized(ctx, updated))

	doc, err := c.Get(ctx, "tt0000002")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", doc.PrimaryTitle)
	assert.Equal(t, "A film.", doc.DescriptionFull)
}

func TestMergeComplement_Missing(t *testing.T) {
	c := setupCatalog(t)
	_, err := c.MergeComplement(context.Background(), "tt9999999", &models.Complement{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindMovies_Pages(t *testing.T) {
	c := setupCatalog(t)
	ctx := context.Background()
	for _, id := range []string{"tt0000001", "tt0000003", "tt0000002"} {
		require.NoError(t, c.UpsertNormalized(ctx, movie(id)))
	}
	series := movie("tt0000004")
	series.TitleType = models.TitleTypeTVSeries
	require.NoError(t, c.UpsertNormalized(ctx, series))

	page, err := c.FindMovies(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "tt0000003", page[0].ImdbID)
	assert.Equal(t, "tt0000002", page[1].ImdbID)

	page, err = c.FindMovies(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "tt0000001", page[0].ImdbID)
}

func TestUpsertNormalized_ReplacesSeasons(t *testing.T) {
	c := setupCatalog(t)
	ctx := context.Background()
	one := 1

	series := &models.NormalizedTitle{
		ImdbID:    "tt0000030",
		TitleType: models.TitleTypeTVSeries,
		Genres:    []string{},
		Ratings:   []models.Rating{},
		Seasons:   map[string][]models.Episode{"1": {{ImdbID: "tt0000031", EpisodeNumber: &one}}},
	}
	require.NoError(t, c.UpsertNormalized(ctx, series))

	seasonsOf := func() (any, bool) {
		var doc map[string]any
		require.NoError(t, c.coll.FindOne(ctx, map[string]any{"imdbId": "tt0000030"}).Decode(&doc))
		v, ok := doc["seasons"]
		return v, ok
	}

	series.Seasons = nil
	require.NoError(t, c.UpsertNormalized(ctx, series))
	v, ok := seasonsOf()
	require.True(t, ok, "a series without episodes keeps an empty seasons field")
	assert.Empty(t, v)

	series.TitleType = models.TitleTypeTVMovie
	require.NoError(t, c.UpsertNormalized(ctx, series))
	_, ok = seasonsOf()
	assert.False(t, ok, "a title that is no longer a series loses its seasons")
}
