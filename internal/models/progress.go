package models

// ProgressUpdate is broadcast to websocket clients while jobs run.
type ProgressUpdate struct {
	JobID    string  `json:"jobId"` // queue name, e.g. "download-torrent"
	Message  string  `json:"message"`
	Progress float64 `json:"progress"`
	ItemID   int64   `json:"item_id"`
	Status   string  `json:"status"` // e.g. "in_progress", "completed", "failed"
	// Optional fields for more detailed updates
	ImdbID          string `json:"imdbId,omitempty"`
	DownloadedBytes int64  `json:"downloaded_bytes,omitempty"`
	BytesPerSecond  int64  `json:"bytes_per_second,omitempty"`
	Peers           int    `json:"peers,omitempty"`
	Done            bool   `json:"done"`
}
