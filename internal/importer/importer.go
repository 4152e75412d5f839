// Package importer downloads the IMDb dataset files and bulk-loads them into
// the relational store, one full refresh per table.
package importer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mholt/archives"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vrsandeep/imdb-etl/internal/config"
	"github.com/vrsandeep/imdb-etl/internal/datasets"
	"github.com/vrsandeep/imdb-etl/internal/logger"
)

// Loader replaces the contents of a dataset table with the rows streamed from
// r, which are in COPY text format and in the dataset's column order. The
// replacement must be atomic: readers see either the old or the new table.
type Loader interface {
	Load(ctx context.Context, ds datasets.Dataset, r io.Reader) (int64, error)
}

// Result summarises one dataset import.
type Result struct {
	Dataset  string        `json:"dataset"`
	Rows     int64         `json:"rows"`
	Skipped  int64         `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Engine runs dataset imports.
type Engine struct {
	client      *http.Client
	baseURL     string
	scratchDir  string
	parallelism int
	loader      Loader
	log         zerolog.Logger
}

// New creates an import engine that loads into the given Loader.
func New(cfg *config.Config, loader Loader) *Engine {
	parallelism := cfg.Datasets.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Engine{
		client:      &http.Client{},
		baseURL:     strings.TrimRight(cfg.Datasets.BaseURL, "/"),
		scratchDir:  cfg.Datasets.ScratchDir,
		parallelism: parallelism,
		loader:      loader,
		log:         logger.Named(config.QueueImport),
	}
}

// WithHTTPClient replaces the client used for dataset downloads.
func (e *Engine) WithHTTPClient(c *http.Client) *Engine {
	e.client = c
	return e
}

// ImportAll imports every dataset, running up to the configured number at
// once. A failing dataset does not stop the others; all failures are
// returned joined.
func (e *Engine) ImportAll(ctx context.Context, dss []datasets.Dataset) ([]Result, error) {
	results := make([]Result, len(dss))
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for i, ds := range dss {
		g.Go(func() error {
			res, err := e.Import(ctx, ds)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// Import downloads, decompresses, parses, transforms and loads one dataset.
// Scratch files are removed once the table is loaded.
func (e *Engine) Import(ctx context.Context, ds datasets.Dataset) (Result, error) {
	start := time.Now()
	log := e.log.With().Str("dataset", ds.Name).Logger()

	if err := os.MkdirAll(e.scratchDir, 0755); err != nil {
		return Result{}, fmt.Errorf("dataset %s: creating scratch dir: %w", ds.Name, err)
	}
	rawPath := filepath.Join(e.scratchDir, ds.File)
	tsvPath := rawPath + ".tsv"

	size, err := e.download(ctx, ds, rawPath)
	if err != nil {
		return Result{}, fmt.Errorf("dataset %s: download: %w", ds.Name, err)
	}
	log.Info().Str("size", humanize.Bytes(uint64(size))).Msg("Downloaded dataset")

	parsed, skipped, err := e.extract(ctx, ds, rawPath, tsvPath, log)
	if err != nil {
		return Result{}, fmt.Errorf("dataset %s: extract: %w", ds.Name, err)
	}
	if skipped > 0 {
		log.Warn().Int64("skipped", skipped).Msg("Skipped malformed rows")
	}

	f, err := os.Open(tsvPath)
	if err != nil {
		return Result{}, fmt.Errorf("dataset %s: %w", ds.Name, err)
	}
	loaded, err := e.loader.Load(ctx, ds, f)
	f.Close()
	if err != nil {
		return Result{}, fmt.Errorf("dataset %s: load: %w", ds.Name, err)
	}

	for _, p := range []string{rawPath, tsvPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", p).Msg("Failed to remove scratch file")
		}
	}

	res := Result{Dataset: ds.Name, Rows: loaded, Skipped: skipped, Duration: time.Since(start)}
	log.Info().
		Int64("parsed", parsed).
		Int64("rows", res.Rows).
		Dur("duration", res.Duration).
		Msg("Imported dataset")
	return res, nil
}

func (e *Engine) download(ctx context.Context, ds datasets.Dataset, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/"+ds.File, nil)
	if err != nil {
		return 0, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// extract streams src through the matching decompressor, parses it as a
// headed TSV file and writes COPY text rows to dst.
func (e *Engine) extract(ctx context.Context, ds datasets.Dataset, src, dst string, log zerolog.Logger) (int64, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, 0, err
	}
	defer in.Close()

	r, err := decompress(ctx, ds.File, in)
	if err != nil {
		return 0, 0, err
	}
	defer r.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, 0, err
	}
	w := bufio.NewWriterSize(out, 1<<20)

	parsed, skipped, err := convert(ctx, ds, bufio.NewReaderSize(r, 1<<20), w, log)
	if err == nil {
		err = w.Flush()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return parsed, skipped, err
}

// decompress returns a reader over the decompressed stream, or the raw
// stream when the file is not compressed.
func decompress(ctx context.Context, name string, in io.Reader) (io.ReadCloser, error) {
	format, stream, err := archives.Identify(ctx, name, in)
	if errors.Is(err, archives.NoMatch) {
		return io.NopCloser(stream), nil
	}
	if err != nil {
		return nil, err
	}
	dec, ok := format.(archives.Decompressor)
	if !ok {
		return nil, fmt.Errorf("unsupported format %s", format.Extension())
	}
	return dec.OpenReader(stream)
}

func convert(ctx context.Context, ds datasets.Dataset, r *bufio.Reader, w io.Writer, log zerolog.Logger) (int64, int64, error) {
	headerLine, err := readLine(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, 0, errors.New("empty file")
		}
		return 0, 0, err
	}
	header := strings.Split(headerLine, "\t")
	columns := ds.ColumnNames()
	progress := rate.Sometimes{Interval: 10 * time.Second}

	var parsed, skipped int64
	var buf []byte
	for {
		line, err := readLine(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return parsed, skipped, err
		}
		if line == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return parsed, skipped, err
		}

		fields := strings.Split(line, "\t")
		if len(fields) != len(header) {
			skipped++
			continue
		}
		row := make(datasets.Row, len(header))
		for i, name := range header {
			if fields[i] != "" {
				row[name] = fields[i]
			}
		}
		row = ds.Apply(row)

		buf = appendCopyRow(buf[:0], columns, row)
		if _, err := w.Write(buf); err != nil {
			return parsed, skipped, err
		}
		parsed++
		progress.Do(func() {
			log.Info().Int64("rows", parsed).Msg("Parsing dataset")
		})
	}
	return parsed, skipped, nil
}

// readLine returns the next line without its terminator. The final line
// does not need a trailing newline.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// appendCopyRow encodes one row in PostgreSQL COPY text format. Absent
// fields become \N.
func appendCopyRow(buf []byte, columns []string, row datasets.Row) []byte {
	for i, col := range columns {
		if i > 0 {
			buf = append(buf, '\t')
		}
		v, ok := row[col]
		if !ok {
			buf = append(buf, `\N`...)
			continue
		}
		buf = appendEscaped(buf, v)
	}
	return append(buf, '\n')
}

func appendEscaped(buf []byte, v string) []byte {
	for i := 0; i < len(v); i++ {
		switch c := v[i]; c {
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\t':
			buf = append(buf, '\\', 't')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		default:
			buf = append(buf, c)
		}
	}
	return buf
}
