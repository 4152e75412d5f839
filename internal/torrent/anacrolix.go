package torrent

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"

	"github.com/vrsandeep/imdb-etl/internal/config"
)

const completionPoll = time.Second

// AnacrolixSwarm is a Swarm backed by an anacrolix/torrent client. Files are
// written under the configured download path.
type AnacrolixSwarm struct {
	client *torrent.Client
}

// NewAnacrolixSwarm starts a client that only downloads.
func NewAnacrolixSwarm(cfg *config.Config) (*AnacrolixSwarm, error) {
	tc := torrent.NewDefaultClientConfig()
	tc.DataDir = cfg.Torrent.DownloadPath
	tc.Seed = false
	tc.NoUpload = true
	tc.ListenPort = 0
	if cfg.Torrent.MaxConnections > 0 {
		tc.EstablishedConnsPerTorrent = cfg.Torrent.MaxConnections
	}

	client, err := torrent.NewClient(tc)
	if err != nil {
		return nil, fmt.Errorf("starting torrent client: %w", err)
	}
	return &AnacrolixSwarm{client: client}, nil
}

// MagnetURI builds a magnet link for an info hash announcing to trackers.
func MagnetURI(hash string, trackers []string) string {
	var b strings.Builder
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(hash)
	for _, tr := range trackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	return b.String()
}

// Add joins the swarm of a torrent and starts fetching all of its files as
// soon as metadata arrives.
func (s *AnacrolixSwarm) Add(hash string, trackers []string) (Transfer, error) {
	t, err := s.client.AddMagnet(MagnetURI(hash, trackers))
	if err != nil {
		return nil, err
	}
	tr := &anacrolixTransfer{
		t:    t,
		meta: make(chan struct{}),
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	go tr.watch()
	return tr, nil
}

// Close shuts the client down.
func (s *AnacrolixSwarm) Close() error {
	s.client.Close()
	return nil
}

type anacrolixTransfer struct {
	t    *torrent.Torrent
	meta chan struct{}
	done chan struct{}
	stop chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
	info bool
}

func (a *anacrolixTransfer) watch() {
	select {
	case <-a.t.GotInfo():
	case <-a.stop:
		a.finish(ErrTransferClosed)
		return
	}
	a.t.DownloadAll()
	a.mu.Lock()
	a.info = true
	a.mu.Unlock()
	close(a.meta)

	ticker := time.NewTicker(completionPoll)
	defer ticker.Stop()
	for {
		if a.t.BytesCompleted() >= a.t.Length() {
			a.finish(nil)
			return
		}
		select {
		case <-ticker.C:
		case <-a.stop:
			a.finish(ErrTransferClosed)
			return
		}
	}
}

func (a *anacrolixTransfer) finish(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	close(a.done)
}

func (a *anacrolixTransfer) Metadata() <-chan struct{} { return a.meta }
func (a *anacrolixTransfer) Done() <-chan struct{}     { return a.done }

func (a *anacrolixTransfer) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *anacrolixTransfer) Stats() Stats {
	a.mu.Lock()
	info := a.info
	a.mu.Unlock()

	s := Stats{Peers: a.t.Stats().ActivePeers}
	if info {
		s.BytesCompleted = a.t.BytesCompleted()
		s.Length = a.t.Length()
	}
	return s
}

func (a *anacrolixTransfer) Destroy() {
	a.once.Do(func() {
		close(a.stop)
		a.t.Drop()
	})
}
