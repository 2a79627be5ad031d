package service

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/zigtools/bamboo/internal/bundle"
	"github.com/zigtools/bamboo/internal/models"
)

// Archive container formats.
const (
	FormatZip   = "zip"
	FormatTarGz = "tar.gz"
)

// namedStream is one file of the reconstructed archive.
type namedStream struct {
	name string
	r    io.Reader
}

// WriteArchive reconstructs the five-file archive for an entry and streams
// it to w in the requested container format. Constituent blobs are opened
// before the first archive byte is written, so a missing blob surfaces as an
// error response instead of a silently truncated archive.
func (s *CrashService) WriteArchive(ctx context.Context, entryID, format string, w io.Writer) error {
	e, err := s.db.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}

	files, cleanup, err := s.openEntryStreams(ctx, e)
	if err != nil {
		return err
	}
	defer cleanup()

	switch format {
	case FormatZip:
		return writeZip(w, files)
	case FormatTarGz:
		return writeTarGz(w, files, e.CreatedAt)
	default:
		return fmt.Errorf("%w: archive format %q", ErrInvalidRequest, format)
	}
}

// openEntryStreams opens the entry's constituent streams, decompressing the
// raw-deflate ones so the archive contains plaintext. Entries stored as
// unified bundles are sliced via the codec; older entries fall back to the
// legacy five-object layout.
func (s *CrashService) openEntryStreams(ctx context.Context, e *models.Entry) ([]namedStream, func(), error) {
	ok, err := s.store.Has(ctx, e.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("stat bundle %s: %w", e.ID, err)
	}
	if ok {
		return s.openBundleStreams(ctx, e)
	}
	return s.openLegacyStreams(ctx, e)
}

func (s *CrashService) openBundleStreams(ctx context.Context, e *models.Entry) ([]namedStream, func(), error) {
	// The positional codec slices byte ranges, so the whole blob is read
	// up front. Memory stays bounded by one bundle, which the upload body
	// limit already caps.
	rc, err := s.store.Read(ctx, e.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("read bundle %s: %w", e.ID, err)
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("read bundle %s: %w", e.ID, err)
	}
	b, err := bundle.Decode(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decode bundle %s: %w", e.ID, err)
	}

	inflate := func(sec bundle.Section) io.Reader {
		return flate.NewReader(bytes.NewReader(b.Bytes(sec)))
	}
	files := []namedStream{
		{name: "info", r: strings.NewReader(infoText(e))},
		{name: "stderr.log", r: inflate(b.Stderr)},
		{name: "stdin.log", r: inflate(b.Stdin)},
		{name: "stdout.log", r: inflate(b.Stdout)},
		{name: "principal.zig", r: bytes.NewReader(b.Bytes(b.Principal))},
	}
	return files, func() {}, nil
}

func (s *CrashService) openLegacyStreams(ctx context.Context, e *models.Entry) ([]namedStream, func(), error) {
	prefix, err := s.legacyPrefix(ctx, e)
	if err != nil {
		return nil, nil, err
	}

	// The five objects are opened concurrently; each body still streams
	// lazily, so memory stays bounded by the archive writer's copy buffer.
	// The opens run under the caller's ctx, not a group-derived one: S3
	// bodies stream under the context they were opened with, and the group
	// context would already be canceled by the time the archive writer
	// drains them.
	readers := make([]io.ReadCloser, len(legacyFiles))
	var g errgroup.Group
	for i, name := range legacyFiles {
		g.Go(func() error {
			rc, err := s.store.Read(ctx, prefix+"/"+name)
			if err != nil {
				return fmt.Errorf("read %s/%s: %w", prefix, name, err)
			}
			readers[i] = rc
			return nil
		})
	}
	cleanup := func() {
		for _, rc := range readers {
			if rc != nil {
				rc.Close()
			}
		}
	}
	if err := g.Wait(); err != nil {
		cleanup()
		return nil, nil, err
	}

	files := make([]namedStream, len(legacyFiles))
	for i, name := range legacyFiles {
		var r io.Reader = readers[i]
		if name != "info" && name != "principal.zig" {
			r = flate.NewReader(r)
		}
		files[i] = namedStream{name: name, r: r}
	}
	return files, cleanup, nil
}

func writeZip(w io.Writer, files []namedStream) error {
	zw := zip.NewWriter(w)
	for _, f := range files {
		fw, err := zw.Create(f.name)
		if err != nil {
			return fmt.Errorf("zip entry %s: %w", f.name, err)
		}
		if _, err := io.Copy(fw, f.r); err != nil {
			return fmt.Errorf("zip entry %s: %w", f.name, err)
		}
	}
	return zw.Close()
}

// writeTarGz pipes the tar stream through gzip. Tar headers need the exact
// file size up front, so each decompressed file is buffered individually;
// the archive as a whole is never held in memory.
func writeTarGz(w io.Writer, files []namedStream, modTime time.Time) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		data, err := io.ReadAll(f.r)
		if err != nil {
			return fmt.Errorf("tar entry %s: %w", f.name, err)
		}
		hdr := &tar.Header{
			Name:    f.name,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("tar entry %s: %w", f.name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("tar entry %s: %w", f.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// OpenRawFile returns the stored bytes for one role of an entry. The bool
// reports whether the stream is raw-deflate encoded, which the handler
// reflects as Content-Encoding so browsers inflate transparently.
func (s *CrashService) OpenRawFile(ctx context.Context, entryID, name string) (io.ReadCloser, bool, error) {
	e, err := s.db.GetEntry(ctx, entryID)
	if err != nil {
		return nil, false, err
	}

	ok, err := s.store.Has(ctx, e.ID)
	if err != nil {
		return nil, false, fmt.Errorf("stat bundle %s: %w", e.ID, err)
	}
	if !ok {
		prefix, err := s.legacyPrefix(ctx, e)
		if err != nil {
			return nil, false, err
		}
		rc, err := s.store.Read(ctx, prefix+"/"+name)
		if err != nil {
			return nil, false, err
		}
		return rc, name != "principal.zig", nil
	}

	rc, err := s.store.Read(ctx, e.ID)
	if err != nil {
		return nil, false, fmt.Errorf("read bundle %s: %w", e.ID, err)
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, false, fmt.Errorf("read bundle %s: %w", e.ID, err)
	}
	b, err := bundle.Decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode bundle %s: %w", e.ID, err)
	}

	section := func(sec bundle.Section) io.ReadCloser {
		return io.NopCloser(bytes.NewReader(b.Bytes(sec)))
	}
	switch name {
	case "info":
		// The info file is synthesized from entry metadata; it is
		// deflate-compressed on the fly so the role keeps its usual
		// Content-Encoding.
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, false, err
		}
		if _, err := io.WriteString(fw, infoText(e)); err != nil {
			return nil, false, err
		}
		if err := fw.Close(); err != nil {
			return nil, false, err
		}
		return io.NopCloser(bytes.NewReader(buf.Bytes())), true, nil
	case "stderr.log":
		return section(b.Stderr), true, nil
	case "stdin.log":
		return section(b.Stdin), true, nil
	case "stdout.log":
		return section(b.Stdout), true, nil
	case "principal.zig":
		return section(b.Principal), false, nil
	default:
		return nil, false, fmt.Errorf("%w: unknown file %q", ErrInvalidRequest, name)
	}
}
