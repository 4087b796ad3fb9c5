package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterEmitAppendsJSONLRecord(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := NewWriter(fs, "/base", "job-1")

	w.Emit(context.Background(), "job-1", "JobStarted", map[string]interface{}{"total": 3})
	w.Emit(context.Background(), "job-1", "ItemCompleted", map[string]interface{}{"item_id": "item_0"})
	require.NoError(t, w.Close())

	files, err := ArchivedFiles(fs, "/base", "job-1")
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := afero.ReadFile(fs, "/base/mapreduce/jobs/job-1/events/"+files[0])
	require.NoError(t, err)
	lines := splitNonEmptyLines(string(data))
	require.Len(t, lines, 2)

	var rec Record
	decodeLine(t, lines[0], &rec)
	assert.Equal(t, "JobStarted", rec.Event)
	assert.NotEmpty(t, rec.ID)
	assert.NotEmpty(t, rec.CorrelationID)
	assert.Equal(t, float64(3), rec.Metadata["total"])
}

func TestWriterRotatesPastMaxFileSize(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := NewWriter(fs, "/base", "job-big")

	bigValue := make([]byte, 0, maxFileSize*6/10)
	for i := 0; i < cap(bigValue); i++ {
		bigValue = append(bigValue, 'x')
	}

	w.Emit(context.Background(), "job-big", "ItemStarted", map[string]interface{}{"blob": string(bigValue)})
	w.Emit(context.Background(), "job-big", "ItemStarted", map[string]interface{}{"blob": string(bigValue)})
	w.Emit(context.Background(), "job-big", "ItemCompleted", map[string]interface{}{"blob": string(bigValue)})
	require.NoError(t, w.Close())

	files, err := ArchivedFiles(fs, "/base", "job-big")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(files), 2)

	gzCount := 0
	for _, f := range files {
		if len(f) > 3 && f[len(f)-3:] == ".gz" {
			gzCount++
		}
	}
	assert.GreaterOrEqual(t, gzCount, 1)
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func decodeLine(t *testing.T, line string, rec *Record) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(line), rec))
}
