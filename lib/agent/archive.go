package agent

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	securejoin "github.com/cyphar/filepath-securejoin"
)

var (
	// ErrArchiveTooLarge is returned when extracted content exceeds the size limit
	ErrArchiveTooLarge = errors.New("archive content exceeds size limit")
	// ErrInvalidArchivePath is returned when a tar entry has a malicious path
	ErrInvalidArchivePath = errors.New("invalid archive path")
	// ErrNoDiskImage is returned when an uploaded archive holds no regular file
	ErrNoDiskImage = errors.New("archive contains no disk image")
)

// checkEntryName rejects absolute and escaping entry names outright.
func checkEntryName(name string) error {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(name) || filepath.IsAbs(cleaned) {
		return fmt.Errorf("%w: absolute path %q", ErrInvalidArchivePath, name)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) ||
		strings.Contains(cleaned, string(filepath.Separator)+"..") {
		return fmt.Errorf("%w: path traversal in %q", ErrInvalidArchivePath, name)
	}
	return nil
}

// ExtractDiskImage unpacks an uploaded .tar.gz volume into destDir and
// returns the path of the largest regular file, which is taken to be the
// disk image. Extraction stops once maxBytes have been written.
//
// Links and special files are skipped: a volume upload is a flat disk image
// plus optional sidecar files.
func ExtractDiskImage(r io.Reader, destDir string, maxBytes int64) (string, int64, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", 0, fmt.Errorf("create dest dir: %w", err)
	}

	gzr, err := gzip.NewReader(r)
	if err != nil {
		return "", 0, fmt.Errorf("gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	var (
		written  int64
		image    string
		imageLen int64
	)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", written, fmt.Errorf("read tar header: %w", err)
		}
		if err := checkEntryName(hdr.Name); err != nil {
			return "", written, err
		}
		target, err := securejoin.SecureJoin(destDir, hdr.Name)
		if err != nil {
			return "", written, fmt.Errorf("%w: %v", ErrInvalidArchivePath, err)
		}
		if written+hdr.Size > maxBytes {
			return "", written, fmt.Errorf("%w: would exceed %d bytes", ErrArchiveTooLarge, maxBytes)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return "", written, fmt.Errorf("create dir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			n, err := writeEntry(tr, target, maxBytes-written)
			written += n
			if err != nil {
				return "", written, fmt.Errorf("write %s: %w", hdr.Name, err)
			}
			if written > maxBytes {
				return "", written, fmt.Errorf("%w: exceeded %d bytes", ErrArchiveTooLarge, maxBytes)
			}
			if n >= imageLen {
				image, imageLen = target, n
			}
		}
	}
	if image == "" {
		return "", written, ErrNoDiskImage
	}
	return image, written, nil
}

// writeEntry copies at most limit+1 bytes so an overflow is detectable.
// O_NOFOLLOW refuses a symlink planted at target.
func writeEntry(r io.Reader, target string, limit int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|syscall.O_NOFOLLOW, 0644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}
