package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerntune/schedlat"
)

func snapshotLog(t *testing.T, count int) string {
	t.Helper()
	lines := make([]string, 0, count)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < count; i++ {
		pm := schedlat.PerformanceMetrics{
			Timestamp:      base.Add(time.Duration(i) * 5 * time.Second),
			CurrentUS:      int64(30 + i),
			MaxUS:          int64(400 + i*10),
			P99US:          int64(200 + i),
			SampleCount:    int64((i + 1) * 5000),
			DroppedSamples: int64(i),
		}
		data, err := json.Marshal(pm)
		require.NoError(t, err)
		lines = append(lines, string(data))
	}
	return strings.Join(lines, "\n") + "\n"
}

func TestImportOptionsValidate(t *testing.T) {
	assert.Error(t, ImportOptions{}.validate())
	assert.Error(t, ImportOptions{
		InputSource: strings.NewReader(""),
		FileName:    "log.json",
	}.validate())
	assert.Error(t, ImportOptions{
		InputSource: strings.NewReader(""),
		Follow:      true,
	}.validate())
	assert.NoError(t, ImportOptions{InputSource: strings.NewReader("")}.validate())
	assert.NoError(t, ImportOptions{FileName: "log.json"}.validate())
	assert.NoError(t, ImportOptions{FileName: "log.json", Follow: true}.validate())
}

func TestImportSnapshots(t *testing.T) {
	ctx := context.Background()

	t.Run("FromReader", func(t *testing.T) {
		summary, err := ImportSnapshots(ctx, ImportOptions{
			InputSource: strings.NewReader(snapshotLog(t, 12)),
		})
		require.NoError(t, err)

		assert.Equal(t, "imported", summary.Mode)
		assert.False(t, summary.Completed)
		assert.Equal(t, int64(60000), summary.TotalSamples)
		assert.Equal(t, int64(11), summary.DroppedSamples)
		assert.Equal(t, int64(211), summary.Metrics.P99US)
		assert.Equal(t, 55*time.Second, summary.Duration)
	})
	t.Run("FromFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "snapshots.json")
		require.NoError(t, os.WriteFile(path, []byte(snapshotLog(t, 3)), 0644))

		summary, err := ImportSnapshots(ctx, ImportOptions{FileName: path})
		require.NoError(t, err)
		assert.Equal(t, int64(15000), summary.TotalSamples)
		assert.Equal(t, 10*time.Second, summary.Duration)
	})
	t.Run("SingleSnapshot", func(t *testing.T) {
		summary, err := ImportSnapshots(ctx, ImportOptions{
			InputSource: strings.NewReader(snapshotLog(t, 1)),
		})
		require.NoError(t, err)
		assert.Zero(t, summary.Duration)
		assert.Equal(t, int64(5000), summary.TotalSamples)
	})
	t.Run("EmptyLogFails", func(t *testing.T) {
		_, err := ImportSnapshots(ctx, ImportOptions{
			InputSource: strings.NewReader(""),
		})
		assert.Error(t, err)
	})
	t.Run("MalformedLineFails", func(t *testing.T) {
		input := snapshotLog(t, 2) + "this is not json\n"
		_, err := ImportSnapshots(ctx, ImportOptions{
			InputSource: strings.NewReader(input),
		})
		assert.Error(t, err)
	})
	t.Run("MissingFileFails", func(t *testing.T) {
		_, err := ImportSnapshots(ctx, ImportOptions{
			FileName: filepath.Join(t.TempDir(), "absent.json"),
		})
		assert.Error(t, err)
	})
	t.Run("InvalidOptionsFail", func(t *testing.T) {
		_, err := ImportSnapshots(ctx, ImportOptions{})
		assert.Error(t, err)
	})
	t.Run("ContextAbortsFollow", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "live.json")
		require.NoError(t, os.WriteFile(path, []byte(snapshotLog(t, 2)), 0644))

		tctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		defer cancel()

		summary, err := ImportSnapshots(tctx, ImportOptions{FileName: path, Follow: true})
		require.NoError(t, err)
		assert.Equal(t, int64(10000), summary.TotalSamples)
	})
}

func TestImportThenSave(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	summary, err := ImportSnapshots(context.Background(), ImportOptions{
		InputSource: strings.NewReader(snapshotLog(t, 5)),
	})
	require.NoError(t, err)

	id, err := store.Save(summary)
	require.NoError(t, err)

	record, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, "imported", record.Summary.Mode)
	assert.Equal(t, summary.TotalSamples, record.Summary.TotalSamples)
}
