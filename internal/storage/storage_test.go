package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_CreatesLayout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := New(dir)
	require.NoError(t, err)

	for _, sub := range []string{"docs", "checkpoints"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestStore_RequiresDataDir(t *testing.T) {
	t.Parallel()

	_, err := New("  ")
	require.Error(t, err)
}

func TestStore_DocumentRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	body := []byte("<html>page body\nwith lines</html>")
	meta := map[string]string{"content_type": "text/html", "status": "200"}
	require.NoError(t, s.SaveDocument(7, "https://a.test/page", body, meta))

	url, gotBody, gotMeta, err := s.LoadDocument(7)
	require.NoError(t, err)
	require.Equal(t, "https://a.test/page", url)
	require.Equal(t, body, gotBody)
	require.Equal(t, meta, gotMeta)
}

func TestStore_DocumentFileFormat(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.SaveDocument(1, "https://a.test/", []byte("raw"), map[string]string{"k": "v"}))

	data, err := os.ReadFile(filepath.Join(dir, "docs", "1.doc"))
	require.NoError(t, err)
	require.Equal(t, "https://a.test/\nk:v\n---\nraw", string(data))
}

func TestStore_ListDocuments(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	for _, id := range []uint64{3, 1, 2} {
		require.NoError(t, s.SaveDocument(id, "https://a.test/", nil, nil))
	}
	ids, err := s.ListDocuments()
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestStore_CheckpointRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	// No checkpoint yet: empty state, no error.
	state, err := s.LoadCheckpoint()
	require.NoError(t, err)
	require.Empty(t, state)

	in := map[string]string{"total_completed": "12", "next_doc_id": "13"}
	require.NoError(t, s.SaveCheckpoint(in))

	state, err = s.LoadCheckpoint()
	require.NoError(t, err)
	require.Equal(t, in, state)
}

func TestStore_CheckpointFileFormat(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.SaveCheckpoint(map[string]string{"b": "2", "a": "1"}))
	data, err := os.ReadFile(filepath.Join(dir, "checkpoints", "latest.ckpt"))
	require.NoError(t, err)
	require.Equal(t, "a=1\nb=2\n", string(data))
}
