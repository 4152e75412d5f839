// Package torrent downloads the preferred quality variant of an enriched
// movie from the BitTorrent swarm.
package torrent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vrsandeep/imdb-etl/internal/config"
	"github.com/vrsandeep/imdb-etl/internal/logger"
	"github.com/vrsandeep/imdb-etl/internal/models"
)

// PreferredQuality is the only variant the acquirer downloads.
const PreferredQuality = "1080p"

var (
	ErrNoQualityVariant = errors.New("no torrent with the requested quality")
	ErrMetadataTimeout  = errors.New("timed out waiting for torrent metadata")
)

// Broadcaster pushes progress updates to connected clients.
type Broadcaster interface {
	BroadcastJSON(v any)
}

type Acquirer struct {
	swarm            Swarm
	hub              Broadcaster
	dir              string
	trackers         []string
	quality          string
	connectTimeout   time.Duration
	progressInterval time.Duration
	log              zerolog.Logger
}

func New(cfg *config.Config, swarm Swarm, hub Broadcaster) *Acquirer {
	connectTimeout := cfg.Torrent.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 60 * time.Second
	}
	interval := cfg.Torrent.ProgressInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	trackers := cfg.Torrent.Trackers
	if len(trackers) == 0 {
		trackers = config.DefaultTrackers
	}
	return &Acquirer{
		swarm:            swarm,
		hub:              hub,
		dir:              cfg.Torrent.DownloadPath,
		trackers:         trackers,
		quality:          PreferredQuality,
		connectTimeout:   connectTimeout,
		progressInterval: interval,
		log:              logger.Named(config.QueueDownloadTorrent),
	}
}

// SelectTorrent returns the first variant of the given quality.
func SelectTorrent(torrents []models.TorrentDescriptor, quality string) (models.TorrentDescriptor, bool) {
	return lo.Find(torrents, func(t models.TorrentDescriptor) bool {
		return t.Quality == quality
	})
}

// Execute downloads the preferred variant of a title into the download
// directory. The transfer is torn down on every return path.
func (a *Acquirer) Execute(ctx context.Context, title *models.ComplementedTitle) error {
	if err := title.Validate(); err != nil {
		return err
	}

	selected, ok := SelectTorrent(title.Torrents, a.quality)
	if !ok {
		return fmt.Errorf("%w: %s has no %s torrent", ErrNoQualityVariant, title.ImdbID, a.quality)
	}

	log := a.log.With().
		Str("imdbId", title.ImdbID).
		Str("hash", selected.Hash).
		Str("size", humanize.Bytes(uint64(max(selected.SizeBytes, 0)))).
		Str("quality", selected.Quality).
		Int("peers", selected.Peers).
		Int("seeds", selected.Seeds).
		Logger()

	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}

	log.Debug().Msg("Downloading torrent")
	transfer, err := a.swarm.Add(selected.Hash, a.trackers)
	if err != nil {
		return fmt.Errorf("adding torrent %s: %w", selected.Hash, err)
	}
	defer transfer.Destroy()

	if err := a.awaitMetadata(ctx, transfer); err != nil {
		log.Error().Err(err).Msg("Error downloading torrent")
		return err
	}

	if err := a.awaitCompletion(ctx, title.ImdbID, transfer, log); err != nil {
		log.Error().Err(err).Msg("Error downloading torrent")
		return err
	}
	log.Info().Msg("Torrent downloaded")
	return nil
}

func (a *Acquirer) awaitMetadata(ctx context.Context, t Transfer) error {
	mctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	select {
	case <-t.Metadata():
		return nil
	case <-t.Done():
		return t.Err()
	case <-mctx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w after %s", ErrMetadataTimeout, a.connectTimeout)
	}
}

// awaitCompletion waits without a deadline, sampling progress on every tick.
func (a *Acquirer) awaitCompletion(ctx context.Context, imdbID string, t Transfer, log zerolog.Logger) error {
	ticker := time.NewTicker(a.progressInterval)
	defer ticker.Stop()

	last := t.Stats()
	lastAt := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Done():
			if err := t.Err(); err != nil {
				return err
			}
			a.report(imdbID, t.Stats(), 0, true, log)
			return nil
		case now := <-ticker.C:
			cur := t.Stats()
			var speed int64
			if elapsed := now.Sub(lastAt).Seconds(); elapsed > 0 {
				speed = int64(float64(cur.BytesCompleted-last.BytesCompleted) / elapsed)
			}
			last, lastAt = cur, now
			a.report(imdbID, cur, speed, false, log)
		}
	}
}

func (a *Acquirer) report(imdbID string, s Stats, speed int64, done bool, log zerolog.Logger) {
	percent := 0.0
	if s.Length > 0 {
		percent = math.Floor(float64(s.BytesCompleted) / float64(s.Length) * 100)
	}
	if done {
		percent = 100
	}
	msg := fmt.Sprintf("downloaded: %s, speed: %s/s, progress: %.0f%%, peers: %d",
		humanize.Bytes(uint64(max(s.BytesCompleted, 0))), humanize.Bytes(uint64(max(speed, 0))), percent, s.Peers)

	if !done {
		log.Info().Msg(msg)
	}
	if a.hub == nil {
		return
	}
	status := "in_progress"
	if done {
		status = "completed"
	}
	a.hub.BroadcastJSON(models.ProgressUpdate{
		JobID:           config.QueueDownloadTorrent,
		Message:         msg,
		Progress:        percent,
		Status:          status,
		ImdbID:          imdbID,
		DownloadedBytes: s.BytesCompleted,
		BytesPerSecond:  speed,
		Peers:           s.Peers,
		Done:            done,
	})
}
