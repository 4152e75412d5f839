// This file defines the records that flow between pipeline stages.
// Each stage boundary has its own explicit type, validated on entry.

package models

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidPayload is returned when a job payload cannot be decoded
// into, or does not satisfy, the record expected by a stage.
var ErrInvalidPayload = errors.New("invalid payload")

// Title types found in the title_basics dataset.
const (
	TitleTypeMovie        = "movie"
	TitleTypeTVSeries     = "tvSeries"
	TitleTypeTVMiniSeries = "tvMiniSeries"
	TitleTypeTVMovie      = "tvMovie"
	TitleTypeTVSpecial    = "tvSpecial"
	TitleTypeTVEpisode    = "tvEpisode"
	TitleTypeShort        = "short"
	TitleTypeVideo        = "video"
)

// RatingSourceIMDB tags ratings read from the title_ratings dataset.
const RatingSourceIMDB = "IMDB"

var titleIDPattern = regexp.MustCompile(`^tt\d+$`)

// RelationalTitleRow is one row of title_basics, as read by the Title Finder
// and carried by normalization jobs.
type RelationalTitleRow struct {
	Tconst         string  `json:"tconst" db:"tconst"`
	TitleType      string  `json:"titleType" db:"titletype"`
	PrimaryTitle   string  `json:"primaryTitle" db:"primarytitle"`
	OriginalTitle  string  `json:"originalTitle" db:"originaltitle"`
	IsAdult        *bool   `json:"isAdult,omitempty" db:"isadult"`
	StartYear      *int    `json:"startYear,omitempty" db:"startyear"`
	EndYear        *int    `json:"endYear,omitempty" db:"endyear"`
	RuntimeMinutes *int    `json:"runtimeMinutes,omitempty" db:"runtimeminutes"`
	Genres         *string `json:"genres,omitempty" db:"genres"`
}

// Validate checks the fields every downstream stage relies on.
func (r *RelationalTitleRow) Validate() error {
	if !titleIDPattern.MatchString(r.Tconst) {
		return fmt.Errorf("%w: tconst %q is not a title id", ErrInvalidPayload, r.Tconst)
	}
	if r.TitleType == "" {
		return fmt.Errorf("%w: title %s has no titleType", ErrInvalidPayload, r.Tconst)
	}
	return nil
}

// DedupeKey keys normalization jobs by title id.
func (r RelationalTitleRow) DedupeKey() string { return r.Tconst }

// Rating is a single rating attached to a normalized title.
type Rating struct {
	Source string  `json:"source" bson:"source"`
	Value  float64 `json:"value" bson:"value"`
	Votes  int     `json:"votes" bson:"votes"`
}

// EpisodeRow is an episode joined with its title_basics row.
type EpisodeRow struct {
	Tconst         string  `db:"tconst"`
	SeasonNumber   *int    `db:"seasonnumber"`
	EpisodeNumber  *int    `db:"episodenumber"`
	PrimaryTitle   *string `db:"primarytitle"`
	OriginalTitle  *string `db:"originaltitle"`
	RuntimeMinutes *int    `db:"runtimeminutes"`
}

// Episode is an entry of a normalized series' season.
type Episode struct {
	ImdbID         string `json:"imdbId" bson:"imdbId"`
	EpisodeNumber  *int   `json:"episodeNumber" bson:"episodeNumber"`
	PrimaryTitle   string `json:"primaryTitle" bson:"primaryTitle"`
	OriginalTitle  string `json:"originalTitle" bson:"originalTitle"`
	RuntimeMinutes *int   `json:"runtimeMinutes" bson:"runtimeMinutes"`
}

// NormalizedTitle is the catalog document written by the Normalizer.
// Seasons is only present for series types.
type NormalizedTitle struct {
	ImdbID         string               `json:"imdbId" bson:"imdbId"`
	PrimaryTitle   string               `json:"primaryTitle" bson:"primaryTitle"`
	OriginalTitle  string               `json:"originalTitle" bson:"originalTitle"`
	StartYear      *int                 `json:"startYear" bson:"startYear"`
	EndYear        *int                 `json:"endYear" bson:"endYear"`
	RuntimeMinutes *int                 `json:"runtimeMinutes" bson:"runtimeMinutes"`
	TitleType      string               `json:"titleType" bson:"titleType"`
	IsAdult        bool                 `json:"isAdult" bson:"isAdult"`
	Genres         []string             `json:"genres" bson:"genres"`
	Ratings        []Rating             `json:"ratings" bson:"ratings"`
	Seasons        map[string][]Episode `json:"seasons,omitempty" bson:"seasons,omitempty"`
}

// Validate checks the document identity and type.
func (t *NormalizedTitle) Validate() error {
	if !titleIDPattern.MatchString(t.ImdbID) {
		return fmt.Errorf("%w: imdbId %q is not a title id", ErrInvalidPayload, t.ImdbID)
	}
	if t.TitleType == "" {
		return fmt.Errorf("%w: title %s has no titleType", ErrInvalidPayload, t.ImdbID)
	}
	return nil
}

// DedupeKey keys enrichment and download jobs by title id.
func (t NormalizedTitle) DedupeKey() string { return t.ImdbID }

// IsMovie reports whether the title is eligible for enrichment.
func (t *NormalizedTitle) IsMovie() bool {
	return t.TitleType == TitleTypeMovie
}

// IsSeries reports whether the title carries seasons.
func (t *NormalizedTitle) IsSeries() bool {
	return IsSeriesType(t.TitleType)
}

// IsSeriesType reports whether titles of the given type carry seasons.
func IsSeriesType(titleType string) bool {
	return titleType == TitleTypeTVSeries || titleType == TitleTypeTVMiniSeries
}
