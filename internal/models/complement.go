package models

import "fmt"

// Trailer references a video hosted elsewhere.
type Trailer struct {
	URL  string `json:"url" bson:"url"`
	Type string `json:"type" bson:"type"` // e.g. "youtube"
}

// Cover references a poster image of a given size.
type Cover struct {
	URL  string `json:"url" bson:"url"`
	Size string `json:"size" bson:"size"` // "large", "medium" or "small"
}

// TorrentDescriptor describes one quality variant offered by the torrent index.
type TorrentDescriptor struct {
	Hash          string `json:"hash" bson:"hash"`
	Quality       string `json:"quality" bson:"quality"` // e.g. "720p", "1080p", "3D"
	Type          string `json:"type" bson:"type"`       // e.g. "bluray", "web"
	URL           string `json:"url" bson:"url"`
	SizeBytes     int64  `json:"sizeBytes" bson:"sizeBytes"`
	Seeds         int    `json:"seeds" bson:"seeds"`
	Peers         int    `json:"peers" bson:"peers"`
	VideoCodec    string `json:"videoCodec" bson:"videoCodec"`
	AudioChannels string `json:"audioChannels" bson:"audioChannels"`
}

// Complement holds the enrichment fields merged into a movie document.
// Its field set is disjoint from NormalizedTitle.
type Complement struct {
	DescriptionIntro string              `json:"descriptionIntro" bson:"descriptionIntro"`
	DescriptionFull  string              `json:"descriptionFull" bson:"descriptionFull"`
	Trailers         []Trailer           `json:"trailers" bson:"trailers"`
	Covers           []Cover             `json:"covers" bson:"covers"`
	Torrents         []TorrentDescriptor `json:"torrents" bson:"torrents"`
}

// ComplementedTitle is a normalized movie merged with its enrichment data.
type ComplementedTitle struct {
	NormalizedTitle `bson:",inline"`
	Complement      `bson:",inline"`
}

// Validate checks the title identity and that every torrent carries a hash.
func (t *ComplementedTitle) Validate() error {
	if err := t.NormalizedTitle.Validate(); err != nil {
		return err
	}
	for i, tr := range t.Torrents {
		if tr.Hash == "" {
			return fmt.Errorf("%w: torrent %d of %s has no hash", ErrInvalidPayload, i, t.ImdbID)
		}
	}
	return nil
}
