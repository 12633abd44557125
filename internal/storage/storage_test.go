package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "prioritybus/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")
}

func TestOpenRequiresPath(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		_, err := Open(Config{Driver: driver}, logx.Nop())
		assert.Error(t, err, driver)
	}
}

func TestStores(t *testing.T) {
	drivers := map[string]string{
		"file":   "audit.jsonl",
		"sqlite": "audit.db",
	}
	for driver, name := range drivers {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "nested", name)
			st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			empty, err := st.Recent(ctx, 5)
			require.NoError(t, err)
			assert.Empty(t, empty)

			at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				require.NoError(t, st.Append(ctx, Record{
					At:         at.Add(time.Duration(i) * time.Second),
					Type:       "command.executed",
					ID:         fmt.Sprintf("id-%d", i),
					Class:      "request",
					Command:    "job",
					DurationMS: int64(i),
				}))
			}
			require.NoError(t, st.Append(ctx, Record{Type: "command.failed", ID: "id-5", Error: "boom"}))

			got, err := st.Recent(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []string{"id-3", "id-4", "id-5"}, []string{got[0].ID, got[1].ID, got[2].ID})
			assert.True(t, got[0].At.Equal(at.Add(3*time.Second)))
			assert.Equal(t, "request", got[1].Class)
			assert.Equal(t, int64(4), got[1].DurationMS)
			assert.Equal(t, "boom", got[2].Error)
			assert.Empty(t, got[2].Class)

			all, err := st.Recent(ctx, 100)
			require.NoError(t, err)
			assert.Len(t, all, 6)

			none, err := st.Recent(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestFileStoreReopenAppends(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, Record{Type: "command.queued", ID: "a"}))
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.Append(ctx, Record{ID: "late"}), ErrClosed)

	// A torn line from a crash is skipped on read.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{\"type\":\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Append(ctx, Record{Type: "command.executed", ID: "b"}))

	got, err := st.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}
