package yts

// MovieDetailsResponse is the envelope of /api/v2/movie_details.json.
type MovieDetailsResponse struct {
	Status        string `json:"status"`
	StatusMessage string `json:"status_message"`
	Data          struct {
		Movie *Movie `json:"movie"`
	} `json:"data"`
}

// Movie is the subset of the YTS movie object the enricher uses. Title is
// null when the index has no entry for the requested id.
type Movie struct {
	ID               int       `json:"id"`
	IMDBCode         string    `json:"imdb_code"`
	Title            *string   `json:"title"`
	Year             int       `json:"year"`
	DescriptionIntro string    `json:"description_intro"`
	DescriptionFull  string    `json:"description_full"`
	YTTrailerCode    string    `json:"yt_trailer_code"`
	SmallCoverImage  string    `json:"small_cover_image"`
	MediumCoverImage string    `json:"medium_cover_image"`
	LargeCoverImage  string    `json:"large_cover_image"`
	Torrents         []Torrent `json:"torrents"`
}

type Torrent struct {
	URL           string `json:"url"`
	Hash          string `json:"hash"`
	Quality       string `json:"quality"`
	Type          string `json:"type"`
	VideoCodec    string `json:"video_codec"`
	AudioChannels string `json:"audio_channels"`
	Seeds         int    `json:"seeds"`
	Peers         int    `json:"peers"`
	Size          string `json:"size"`
	SizeBytes     int64  `json:"size_bytes"`
}
