// Package logstore manages per-instance launcher run logs: a fresh log for
// every start with the previous run archived as gzip, and bounded tail reads.
package logstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	gzip "github.com/klauspost/compress/gzip"
)

const (
	// maxTailBytes caps how much of a log a single tail reads.
	maxTailBytes = 1 << 20

	// maxPreviousBytes caps how much decompressed archive a tail scans.
	maxPreviousBytes = 64 << 20

	archiveSuffix = ".1.gz"
)

// ArchivePath is where Open keeps the previous run's log.
func ArchivePath(path string) string {
	return path + archiveSuffix
}

// Open prepares a fresh run log at path and returns it opened for writing.
// A non-empty existing log is compressed into ArchivePath(path) first,
// replacing any older archive. Archiving failures are returned only when
// the fresh log cannot be created afterwards.
func Open(path string) (*os.File, error) {
	archiveErr := archive(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		if archiveErr != nil {
			return nil, errors.Join(err, archiveErr)
		}
		return nil, err
	}
	return f, nil
}

func archive(path string) error {
	src, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer src.Close()
	if info, err := src.Stat(); err != nil || info.Size() == 0 {
		return err
	}

	dst := ArchivePath(path)
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("compress %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Tail returns the last n lines of the file joined by "\n". At most the
// final 1 MiB is read; a partial first line from the seek is dropped.
func Tail(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	seeked := info.Size() > maxTailBytes
	if seeked {
		if _, err := f.Seek(info.Size()-maxTailBytes, io.SeekStart); err != nil {
			return "", fmt.Errorf("seek %s: %w", path, err)
		}
	}
	buf, err := io.ReadAll(io.LimitReader(f, maxTailBytes))
	if err != nil {
		return "", err
	}
	text := string(buf)
	if seeked {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			return "", nil
		}
		text = text[i+1:]
	}
	return strings.Join(lastLines(strings.NewReader(text), n), "\n"), nil
}

// TailPrevious is Tail over the archived previous run log.
func TailPrevious(path string, n int) (string, error) {
	f, err := os.Open(ArchivePath(path))
	if err != nil {
		return "", err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("open archive %s: %w", ArchivePath(path), err)
	}
	defer zr.Close()
	return strings.Join(lastLines(io.LimitReader(zr, maxPreviousBytes), n), "\n"), nil
}

// ContainsMarker reports whether marker appears in the last n lines of path.
// Unreadable files never contain the marker.
func ContainsMarker(path string, n int, marker string) bool {
	tail, err := Tail(path, n)
	if err != nil {
		return false
	}
	return strings.Contains(tail, marker)
}

// lastLines keeps a ring of the final n lines read from r. The ring grows
// with the input, so a large n costs nothing for a short log.
func lastLines(r io.Reader, n int) []string {
	if n <= 0 {
		return nil
	}
	var ring []string
	head := 0

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxTailBytes)
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if len(ring) < n {
			ring = append(ring, line)
			continue
		}
		ring[head] = line
		head = (head + 1) % n
	}

	out := make([]string, 0, len(ring))
	out = append(out, ring[head:]...)
	return append(out, ring[:head]...)
}
