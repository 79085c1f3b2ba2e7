package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// CurrentFile is the pointer the daemon keeps at its active run log.
	CurrentFile = "conductord.log"

	pollInterval = 250 * time.Millisecond
	maxLineBytes = 1024 * 1024
)

// CurrentPath returns the daemon log pointer inside logDir.
func CurrentPath(logDir string) string {
	return filepath.Join(logDir, CurrentFile)
}

// Options controls a Tail call.
type Options struct {
	// Offset resumes reading at a byte position. Negative offsets start from
	// the last Lines lines instead.
	Offset int64
	Lines  int
	// Wait keeps polling up to this long when no new line is available.
	Wait time.Duration
	// Contains keeps only lines with this substring.
	Contains string
}

// Chunk holds the lines read and the offset to resume from.
type Chunk struct {
	Lines  []string
	Offset int64
}

// Tail reads lines from path. A missing file yields an empty chunk at offset 0.
func Tail(ctx context.Context, path string, opts Options) (Chunk, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Chunk{}, nil
		}
		return Chunk{Offset: opts.Offset}, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return Chunk{Offset: opts.Offset}, fmt.Errorf("log path %q is a directory", path)
	}

	if opts.Offset < 0 {
		chunk, err := lastLines(path, opts.Lines, opts.Contains)
		if err != nil || len(chunk.Lines) > 0 || opts.Wait <= 0 {
			return chunk, err
		}
		return poll(ctx, path, chunk.Offset, opts)
	}

	offset := opts.Offset
	if offset > info.Size() {
		// The file was truncated or rotated underneath us.
		offset = 0
	}
	chunk, err := readFrom(path, offset, opts.Contains)
	if err != nil || len(chunk.Lines) > 0 || opts.Wait <= 0 {
		return chunk, err
	}
	return poll(ctx, path, chunk.Offset, opts)
}

// Follow emits the last opts.Lines lines and then every appended line until
// ctx ends or emit returns an error.
func Follow(ctx context.Context, path string, opts Options, emit func([]string) error) error {
	opts.Offset = -1
	if opts.Wait <= 0 {
		opts.Wait = time.Second
	}
	for {
		chunk, err := Tail(ctx, path, opts)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if len(chunk.Lines) > 0 {
			if err := emit(chunk.Lines); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		opts.Offset = chunk.Offset
	}
}

func lastLines(path string, limit int, contains string) (Chunk, error) {
	file, err := os.Open(path)
	if err != nil {
		return Chunk{}, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if limit <= 0 {
		end, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return Chunk{}, fmt.Errorf("seek log file: %w", err)
		}
		return Chunk{Offset: end}, nil
	}

	ring := make([]string, 0, limit)
	next := 0
	offset, err := scan(file, contains, func(line string) {
		if len(ring) < limit {
			ring = append(ring, line)
			return
		}
		ring[next] = line
		next = (next + 1) % limit
	})
	if err != nil {
		return Chunk{}, err
	}

	lines := make([]string, 0, len(ring))
	lines = append(lines, ring[next:]...)
	lines = append(lines, ring[:next]...)
	return Chunk{Lines: lines, Offset: offset}, nil
}

func readFrom(path string, offset int64, contains string) (Chunk, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Chunk{}, nil
		}
		return Chunk{Offset: offset}, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return Chunk{Offset: offset}, fmt.Errorf("seek log file: %w", err)
	}
	var lines []string
	end, err := scan(file, contains, func(line string) { lines = append(lines, line) })
	if err != nil {
		return Chunk{Offset: offset}, err
	}
	return Chunk{Lines: lines, Offset: end}, nil
}

// scan feeds every complete matching line to keep and returns the offset just
// past the last complete line.
func scan(file *os.File, contains string, keep func(string)) (int64, error) {
	start, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("determine log offset: %w", err)
	}
	reader := bufio.NewReaderSize(file, 64*1024)
	consumed := start
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// A partial trailing line is re-read once the writer finishes it.
				return consumed, nil
			}
			return consumed, fmt.Errorf("read log file: %w", err)
		}
		consumed += int64(len(line))
		if len(line) > maxLineBytes {
			line = line[:maxLineBytes]
		}
		line = strings.TrimRight(line, "\r\n")
		if contains == "" || strings.Contains(line, contains) {
			keep(line)
		}
	}
}

func poll(ctx context.Context, path string, offset int64, opts Options) (Chunk, error) {
	deadline := time.Now().Add(opts.Wait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Chunk{Offset: offset}, ctx.Err()
		case <-ticker.C:
		}

		chunk, err := readFrom(path, offset, opts.Contains)
		if err != nil {
			return chunk, err
		}
		if len(chunk.Lines) > 0 || !time.Now().Before(deadline) {
			return chunk, nil
		}
		offset = chunk.Offset
	}
}
