package normalize

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/imdb-etl/internal/models"
)

type fakeDetails struct {
	ratings      map[string]*models.Rating
	episodes     map[string][]models.EpisodeRow
	episodeCalls int
	err          error
}

func (f *fakeDetails) BestRating(ctx context.Context, id string) (*models.Rating, error) {
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.ratings[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeDetails) Episodes(ctx context.Context, id string) ([]models.EpisodeRow, error) {
	f.episodeCalls++
	return f.episodes[id], nil
}

type fakeCatalog struct {
	docs map[string]models.NormalizedTitle
}

func (c *fakeCatalog) UpsertNormalized(ctx context.Context, t *models.NormalizedTitle) error {
	if c.docs == nil {
		c.docs = map[string]models.NormalizedTitle{}
	}
	c.docs[t.ImdbID] = *t
	return nil
}

func ptr[T any](v T) *T { return &v }

func TestExecute_Movie(t *testing.T) {
	details := &fakeDetails{ratings: map[string]*models.Rating{
		"tt0000001": {Value: 7.1, Votes: 1200},
	}}
	cat := &fakeCatalog{}
	n := New(details, cat)

	row := &models.RelationalTitleRow{
		Tconst:        "tt0000001",
		TitleType:     models.TitleTypeMovie,
		PrimaryTitle:  "Carmencita",
		OriginalTitle: "Carmencita",
		IsAdult:       ptr(false),
		StartYear:     ptr(1894),
		Genres:        ptr("Documentary,Short"),
	}
	require.NoError(t, n.Execute(context.Background(), row))

	doc := cat.docs["tt0000001"]
	assert.Equal(t, []string{"Documentary", "Short"}, doc.Genres)
	assert.Equal(t, []models.Rating{{Source: "IMDB", Value: 7.1, Votes: 1200}}, doc.Ratings)
	assert.Nil(t, doc.Seasons)
	assert.Nil(t, doc.EndYear)
	assert.Equal(t, 1894, *doc.StartYear)
	assert.Zero(t, details.episodeCalls, "movies do not read episodes")
}

func TestExecute_NoRatingAndNoGenres(t *testing.T) {
	cat := &fakeCatalog{}
	n := New(&fakeDetails{}, cat)

	row := &models.RelationalTitleRow{Tconst: "tt0000002", TitleType: models.TitleTypeMovie}
	require.NoError(t, n.Execute(context.Background(), row))

	doc := cat.docs["tt0000002"]
	assert.NotNil(t, doc.Genres)
	assert.Empty(t, doc.Genres)
	assert.NotNil(t, doc.Ratings)
	assert.Empty(t, doc.Ratings)
	assert.False(t, doc.IsAdult)
}

func TestExecute_SeriesGroupsSeasons(t *testing.T) {
	details := &fakeDetails{episodes: map[string][]models.EpisodeRow{
		"tt0000010": {
			{Tconst: "tt0000011", SeasonNumber: ptr(1), EpisodeNumber: ptr(1), PrimaryTitle: ptr("Pilot")},
			{Tconst: "tt0000012", SeasonNumber: ptr(1), EpisodeNumber: ptr(2)},
			{Tconst: "tt0000013", SeasonNumber: ptr(2), EpisodeNumber: ptr(1)},
			{Tconst: "tt0000014"},
		},
	}}
	cat := &fakeCatalog{}
	n := New(details, cat)

	row := &models.RelationalTitleRow{Tconst: "tt0000010", TitleType: models.TitleTypeTVSeries}
	require.NoError(t, n.Execute(context.Background(), row))

	seasons := cat.docs["tt0000010"].Seasons
	require.Len(t, seasons, 3)
	require.Len(t, seasons["1"], 2)
	assert.Equal(t, "tt0000011", seasons["1"][0].ImdbID)
	assert.Equal(t, "Pilot", seasons["1"][0].PrimaryTitle)
	assert.Equal(t, "tt0000012", seasons["1"][1].ImdbID)
	assert.Len(t, seasons["2"], 1)
	assert.Len(t, seasons[UnknownSeason], 1)
}

func TestExecute_SeriesWithoutEpisodes(t *testing.T) {
	cat := &fakeCatalog{}
	n := New(&fakeDetails{}, cat)

	row := &models.RelationalTitleRow{Tconst: "tt0000020", TitleType: models.TitleTypeTVMiniSeries}
	require.NoError(t, n.Execute(context.Background(), row))

	seasons := cat.docs["tt0000020"].Seasons
	assert.NotNil(t, seasons)
	assert.Empty(t, seasons)
}

func TestExecute_Idempotent(t *testing.T) {
	details := &fakeDetails{ratings: map[string]*models.Rating{"tt0000030": {Value: 5, Votes: 10}}}
	cat := &fakeCatalog{}
	n := New(details, cat)
	row := &models.RelationalTitleRow{Tconst: "tt0000030", TitleType: models.TitleTypeMovie, Genres: ptr("Drama")}

	require.NoError(t, n.Execute(context.Background(), row))
	first := cat.docs["tt0000030"]
	require.NoError(t, n.Execute(context.Background(), row))

	assert.True(t, reflect.DeepEqual(first, cat.docs["tt0000030"]))
	assert.Len(t, cat.docs, 1)
}

func TestExecute_InvalidRow(t *testing.T) {
	cat := &fakeCatalog{}
	err := New(&fakeDetails{}, cat).Execute(context.Background(), &models.RelationalTitleRow{Tconst: "nm0000001", TitleType: "movie"})
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
	assert.Empty(t, cat.docs)
}

func TestExecute_StoreError(t *testing.T) {
	cat := &fakeCatalog{}
	n := New(&fakeDetails{err: errors.New("db down")}, cat)
	err := n.Execute(context.Background(), &models.RelationalTitleRow{Tconst: "tt0000040", TitleType: "movie"})
	assert.ErrorContains(t, err, "db down")
	assert.Empty(t, cat.docs)
}

func TestSplitGenres(t *testing.T) {
	assert.Equal(t, []string{}, SplitGenres(nil))
	assert.Equal(t, []string{}, SplitGenres(ptr("")))
	assert.Equal(t, []string{"Action", "Comedy"}, SplitGenres(ptr("Action,Comedy")))
	assert.Equal(t, []string{"Action"}, SplitGenres(ptr("Action,")))
}
