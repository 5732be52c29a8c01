package agent

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

// buildArchive creates a tar.gz archive with the given entries, in order
func buildArchive(t *testing.T, entries ...entry) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, e := range entries {
		tf := e.typeflag
		if tf == 0 {
			tf = tar.TypeReg
		}
		hdr := &tar.Header{Name: e.name, Mode: 0644, Size: int64(len(e.body)), Typeflag: tf, Linkname: e.linkname}
		if tf != tar.TypeReg {
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Size > 0 {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return &buf
}

func TestExtractDiskImagePicksLargestFile(t *testing.T) {
	archive := buildArchive(t,
		entry{name: "meta/", typeflag: tar.TypeDir},
		entry{name: "meta/info.json", body: "{}"},
		entry{name: "disk.qcow2", body: "a much larger disk body"},
	)

	dest := t.TempDir()
	image, written, err := ExtractDiskImage(archive, dest, 1024)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "disk.qcow2"), image)
	assert.Equal(t, int64(len("{}")+len("a much larger disk body")), written)

	data, err := os.ReadFile(image)
	require.NoError(t, err)
	assert.Equal(t, "a much larger disk body", string(data))
}

func TestExtractDiskImageSizeLimit(t *testing.T) {
	archive := buildArchive(t, entry{name: "disk.raw", body: string(bytes.Repeat([]byte("x"), 1000))})

	_, _, err := ExtractDiskImage(archive, t.TempDir(), 500)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArchiveTooLarge)
}

func TestExtractDiskImageRejectsEscapes(t *testing.T) {
	for name, e := range map[string]entry{
		"traversal": {name: "../../../etc/passwd", body: "evil"},
		"absolute":  {name: "/etc/passwd", body: "evil"},
		"nested":    {name: "ok/../../escape", body: "evil"},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := ExtractDiskImage(buildArchive(t, e), t.TempDir(), 1024)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidArchivePath)
		})
	}
}

func TestExtractDiskImageSkipsLinks(t *testing.T) {
	archive := buildArchive(t,
		entry{name: "disk.raw", body: "disk"},
		entry{name: "escape", typeflag: tar.TypeSymlink, linkname: "../../etc/passwd"},
		entry{name: "hard", typeflag: tar.TypeLink, linkname: "disk.raw"},
	)

	dest := t.TempDir()
	image, _, err := ExtractDiskImage(archive, dest, 1024)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "disk.raw"), image)
	_, err = os.Lstat(filepath.Join(dest, "escape"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractDiskImageEmptyArchive(t *testing.T) {
	archive := buildArchive(t, entry{name: "only-a-dir/", typeflag: tar.TypeDir})

	_, _, err := ExtractDiskImage(archive, t.TempDir(), 1024)
	assert.ErrorIs(t, err, ErrNoDiskImage)
}
