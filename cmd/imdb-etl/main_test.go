package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupCLI points the queue database at a fresh file and returns a runner
// that captures the command output.
func setupCLI(t *testing.T) func(args ...string) (string, error) {
	t.Helper()
	t.Setenv("IMDBETL_DATABASE_PATH", filepath.Join(t.TempDir(), "queue.db"))
	t.Setenv("IMDBETL_LOG_LEVEL", "error")
	return func(args ...string) (string, error) {
		var out bytes.Buffer
		app := newApp()
		app.Writer = &out
		app.ErrWriter = &out
		err := app.Run(append([]string{"imdb-etl"}, args...))
		return out.String(), err
	}
}

func TestTriggerAndStats(t *testing.T) {
	run := setupCLI(t)

	out, err := run("trigger", "find-titles")
	require.NoError(t, err)
	assert.Contains(t, out, "Queued find-titles as job 1")

	out, err = run("trigger", "download-and-import-titles", "--dataset", "title_ratings")
	require.NoError(t, err)
	assert.Contains(t, out, "as job 2")

	out, err = run("stats")
	require.NoError(t, err)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 5 && (fields[0] == "find-titles" || fields[0] == "download-and-import-titles") {
			assert.Equal(t, "1", fields[1], line)
		}
	}
	assert.Contains(t, out, "download-torrent")
}

func TestTrigger_Rejections(t *testing.T) {
	run := setupCLI(t)

	_, err := run("trigger", "normalize-titles")
	assert.ErrorContains(t, err, "cannot be triggered")

	_, err = run("trigger")
	assert.Error(t, err)

	_, err = run("trigger", "find-movies", "--dataset", "title_basics")
	assert.ErrorContains(t, err, "--dataset only applies")

	_, err = run("trigger", "download-and-import-titles", "--dataset", "title_trivia")
	assert.ErrorContains(t, err, "unknown dataset")
}

func TestRetry(t *testing.T) {
	run := setupCLI(t)

	_, err := run("retry")
	assert.ErrorContains(t, err, "--job is required")

	_, err = run("retry", "--job", "42")
	assert.ErrorContains(t, err, "job not found")

	out, err := run("retry", "find-movies")
	require.NoError(t, err)
	assert.Contains(t, out, "0 failed jobs of find-movies queued again")

	_, err = run("retry", "transcode")
	assert.ErrorContains(t, err, "unknown queue")
}

func TestFailedAndPrune(t *testing.T) {
	run := setupCLI(t)

	out, err := run("failed", "find-movies")
	require.NoError(t, err)
	assert.Contains(t, out, "No failed jobs on find-movies")

	out, err = run("prune", "--older-than", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 0 completed jobs older than 1h0m0s")
}

func TestSchedules(t *testing.T) {
	run := setupCLI(t)

	out, err := run("schedules")
	require.NoError(t, err)
	assert.Contains(t, out, "download-and-import-titles")
	assert.Contains(t, out, "0 0 1 * *")
	assert.Contains(t, out, "prune-completed-jobs")
}

func TestImport_UnknownDataset(t *testing.T) {
	run := setupCLI(t)
	_, err := run("import", "--dataset", "title_trivia")
	assert.ErrorContains(t, err, "unknown dataset 'title_trivia'")
}
