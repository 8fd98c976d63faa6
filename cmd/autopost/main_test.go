package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig points storage and the watch folder into a temp dir and keeps
// credentials from the environment out of the run.
func writeConfig(t *testing.T) (configFile, watchDir string) {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "GEMINI_API_KEY", "BUFFER_ACCESS_TOKEN", "BUFFER_PROFILE_ID", "CSV_WATCH_FOLDER", "DATABASE_PATH"} {
		t.Setenv(key, "")
	}

	root := t.TempDir()
	watchDir = filepath.Join(root, "inbox")
	content := fmt.Sprintf(`
csv_watch_folder = %q
database_path = %q
timezone = "UTC"
log_level = "error"
`, watchDir, filepath.Join(root, "autopost.db"))

	configFile = filepath.Join(root, "autopost.toml")
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0644))
	return configFile, watchDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestIngestThenStatus(t *testing.T) {
	configFile, watchDir := writeConfig(t)
	require.NoError(t, os.MkdirAll(watchDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(watchDir, "trend.csv"),
		[]byte("投稿文,画像URL,いいね数,ジャンル\n一つ目,,10,game\n二つ目,,300,game\n"), 0644))

	out, err := execute(t, "--config", configFile, "ingest")
	require.NoError(t, err, out)
	assert.Contains(t, out, "CSV INGESTION")
	assert.Contains(t, out, "trend.csv")
	assert.Contains(t, out, "Posts queued: 2")

	archived, err := os.ReadDir(filepath.Join(watchDir, "processed"))
	require.NoError(t, err)
	assert.Len(t, archived, 1)

	out, err = execute(t, "--config", configFile, "status", "--posts", "--status", "pending", "--logs", "5")
	require.NoError(t, err, out)
	assert.Contains(t, out, "AUTOMATION STATUS")
	assert.Contains(t, out, "Queued posts:   2")
	assert.Contains(t, out, "[pending]")
	assert.Contains(t, out, "RECENT ACTIVITY")
	assert.Contains(t, out, "2 posts generated")
}

func TestIngest_EmptyFolder(t *testing.T) {
	configFile, _ := writeConfig(t)

	out, err := execute(t, "--config", configFile, "ingest")
	require.NoError(t, err, out)
	assert.Contains(t, out, "No CSV files waiting")
}

func TestCollect_SingleSource(t *testing.T) {
	configFile, watchDir := writeConfig(t)

	out, err := execute(t, "--config", configFile, "collect", "--source", "threads", "-k", "ゲーム", "--limit", "3")
	require.NoError(t, err, out)
	assert.Contains(t, out, "COLLECTION")
	assert.Contains(t, out, "✓ threads    3 posts")

	files, err := filepath.Glob(filepath.Join(watchDir, "auto_scraped_threads_*.csv"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestSchedule_Tick(t *testing.T) {
	configFile, _ := writeConfig(t)

	out, err := execute(t, "--config", configFile, "schedule")
	require.NoError(t, err, out)
	assert.Contains(t, out, "SCHEDULING TICK")
}

func TestSchedule_UnknownPost(t *testing.T) {
	configFile, _ := writeConfig(t)

	_, err := execute(t, "--config", configFile, "schedule", "--post", "missing")
	assert.Error(t, err)
	schedulePostID = ""
}

func TestInvalidConfig(t *testing.T) {
	configFile, _ := writeConfig(t)
	t.Setenv("POST_TIME_START", "23:00")

	_, err := execute(t, "--config", configFile, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "post_time_start")
}
