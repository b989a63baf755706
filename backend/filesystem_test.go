package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFilesystem(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archive")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)
	require.Equal(t, root, fs.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func archives(t *testing.T) map[string]Archive {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return map[string]Archive{"filesystem": fs, "memory": NewMemory()}
}

func TestArchiveWriteRead(t *testing.T) {
	for name, a := range archives(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("hello, world!")

			require.NoError(t, a.Write(ctx, "reports/a.pcr", bytes.NewReader(data)))

			rc, err := a.Read(ctx, "reports/a.pcr")
			require.NoError(t, err)
			defer func() { _ = rc.Close() }()

			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.Equal(t, data, got)

			_, err = a.Read(ctx, "reports/missing.pcr")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestArchiveOverwriteAndDelete(t *testing.T) {
	for name, a := range archives(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "reports/b.pcr"

			require.NoError(t, a.Write(ctx, key, bytes.NewReader([]byte("first"))))
			require.NoError(t, a.Write(ctx, key, bytes.NewReader([]byte("second"))))

			rc, err := a.Read(ctx, key)
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			_ = rc.Close()
			require.Equal(t, "second", string(got))

			require.NoError(t, a.Delete(ctx, key))
			_, err = a.Read(ctx, key)
			require.ErrorIs(t, err, ErrNotFound)

			// Deleting again is not an error
			require.NoError(t, a.Delete(ctx, key))
		})
	}
}

func TestArchiveList(t *testing.T) {
	for name, a := range archives(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, k := range []string{"reports/2.pcr", "reports/1.pcr", "other/x"} {
				require.NoError(t, a.Write(ctx, k, bytes.NewReader([]byte(k))))
			}

			keys, err := a.List(ctx, ReportPrefix)
			require.NoError(t, err)
			require.Equal(t, []string{"reports/1.pcr", "reports/2.pcr"}, keys)

			keys, err = a.List(ctx, "missing/")
			require.NoError(t, err)
			require.Empty(t, keys)
		})
	}
}

func TestFilesystemListSkipsTempFiles(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "reports/done.pcr", bytes.NewReader([]byte("x"))))
	require.NoError(t, os.WriteFile(filepath.Join(fs.Root(), "reports", ".tmp-123"), []byte("partial"), 0o600))

	keys, err := fs.List(ctx, ReportPrefix)
	require.NoError(t, err)
	require.Equal(t, []string{"reports/done.pcr"}, keys)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestFilesystemWriteFailureLeavesNothing(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.Error(t, fs.Write(ctx, "reports/bad.pcr", failingReader{}))

	entries, err := os.ReadDir(filepath.Join(fs.Root(), "reports"))
	require.NoError(t, err)
	require.Empty(t, entries)
}
