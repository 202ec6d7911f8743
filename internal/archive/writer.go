// Package archive writes zip archives as a stream.
package archive

import (
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// storedExtensions are formats that are already compressed; deflating
// them again only costs CPU.
var storedExtensions = map[string]bool{
	".zip": true, ".gz": true, ".tgz": true, ".bz2": true, ".xz": true, ".zst": true, ".7z": true, ".rar": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".heic": true, ".avif": true,
	".mp4": true, ".mov": true, ".m4v": true, ".mkv": true, ".webm": true, ".avi": true,
	".mp3": true, ".m4a": true, ".aac": true, ".ogg": true, ".flac": true, ".opus": true,
	".pdf": true, ".docx": true, ".xlsx": true, ".pptx": true,
}

// Writer streams entries into a zip archive written to an underlying
// io.Writer. Memory use is bounded by the codec window, never by entry size.
type Writer struct {
	counter *countingWriter
	zw      *zip.Writer
	entries []string
}

func NewWriter(w io.Writer) *Writer {
	cw := &countingWriter{w: w}
	return &Writer{
		counter: cw,
		zw:      zip.NewWriter(cw),
	}
}

// Add copies src into a new entry. Errors from src are returned wrapped in
// *SourceError so callers can tell a failing source from a failing sink.
func (w *Writer) Add(name string, modified time.Time, src io.Reader) (int64, error) {
	method := zip.Deflate
	if storedExtensions[strings.ToLower(path.Ext(name))] {
		method = zip.Store
	}

	entry, err := w.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: modified.UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create entry %q: %w", name, err)
	}

	n, err := io.Copy(entry, &sourceReader{r: src})
	if err != nil {
		return n, err
	}

	w.entries = append(w.entries, name)
	return n, nil
}

// Close writes the central directory. It does not close the underlying writer.
func (w *Writer) Close() error {
	return w.zw.Close()
}

// Entries lists the names written so far.
func (w *Writer) Entries() []string {
	return append([]string(nil), w.entries...)
}

// Size is the number of archive bytes written to the underlying writer.
func (w *Writer) Size() int64 {
	return w.counter.n
}

// SourceError wraps a read failure from an entry's source.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string { return "source read failed: " + e.Err.Error() }
func (e *SourceError) Unwrap() error { return e.Err }

type sourceReader struct {
	r io.Reader
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &SourceError{Err: err}
	}
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
