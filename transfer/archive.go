// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrUnknownFormat reports an archive extension the unpacker does not
// handle.
var ErrUnknownFormat = errors.New("transfer: unknown archive format")

// Unpack extracts a device archive into destDir and returns the
// number of regular files extracted, for checking against the count
// the device declared. Supported formats, chosen by file extension:
// .tar, .tar.zst, and .tar.lz4.
//
// Unpacking is idempotent: re-extracting the same archive overwrites
// the same files with the same content. Entries that would escape
// destDir are rejected.
func Unpack(archivePath, destDir string) (int, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return 0, fmt.Errorf("opening archive: %w", err)
	}
	defer file.Close()

	var reader io.Reader
	switch {
	case strings.HasSuffix(archivePath, ".tar"):
		reader = file
	case strings.HasSuffix(archivePath, ".tar.zst"):
		decoder, err := zstd.NewReader(file)
		if err != nil {
			return 0, fmt.Errorf("opening zstd stream: %w", err)
		}
		defer decoder.Close()
		reader = decoder
	case strings.HasSuffix(archivePath, ".tar.lz4"):
		reader = lz4.NewReader(file)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(archivePath))
	}

	return extractTar(reader, destDir)
}

func extractTar(reader io.Reader, destDir string) (int, error) {
	tarReader := tar.NewReader(reader)
	files := 0
	for {
		entry, err := tarReader.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("reading tar entry: %w", err)
		}

		name := filepath.FromSlash(entry.Name)
		if !filepath.IsLocal(name) {
			return files, fmt.Errorf("tar entry %q escapes destination", entry.Name)
		}
		target := filepath.Join(destDir, name)

		switch entry.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return files, fmt.Errorf("creating directory %s: %w", name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return files, fmt.Errorf("creating parent of %s: %w", name, err)
			}
			if err := writeEntry(target, tarReader, entry.Size); err != nil {
				return files, fmt.Errorf("extracting %s: %w", name, err)
			}
			files++
		default:
			// Symlinks, devices, and the rest have no business in a
			// recording archive.
			return files, fmt.Errorf("tar entry %q has unsupported type %d", entry.Name, entry.Typeflag)
		}
	}
}

func writeEntry(target string, reader io.Reader, size int64) error {
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	written, err := io.Copy(file, reader)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if written != size {
		return fmt.Errorf("short entry: wrote %d of %d bytes", written, size)
	}
	return nil
}
