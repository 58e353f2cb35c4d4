// Package frames provides the image frame sources a session pulls from.
package frames

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/disintegration/imaging"
)

const megabyte = 1024 * 1024

// ErrCameraUnavailable means the capture device or input could not produce a first frame.
var ErrCameraUnavailable = errors.New("camera unavailable")

// Source yields frames in arrival order. Next returns io.EOF once the stream ends.
type Source interface {
	Next(ctx context.Context) (types.Frame, error)
	Close() error
}

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is a bufio.SplitFunc that extracts whole JPEG images from a
// concatenated MJPEG stream, skipping any bytes between images.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// StreamSource reads frames from an MJPEG byte stream.
type StreamSource struct {
	scanner *bufio.Scanner
	index   int
	clock   func() time.Time
}

func NewStreamSource(r io.Reader) *StreamSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)
	return &StreamSource{scanner: scanner, clock: time.Now}
}

func (s *StreamSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return types.Frame{}, fmt.Errorf("frame scanner failed: %w", err)
		}
		return types.Frame{}, io.EOF
	}
	s.index++
	// The scanner reuses its buffer, so the frame needs its own copy
	data := append([]byte(nil), s.scanner.Bytes()...)
	return types.Frame{Index: s.index, Timestamp: s.clock(), Data: data}, nil
}

func (s *StreamSource) Close() error { return nil }

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true}

// DirSource replays the still images of a directory in file-name order,
// which makes a recorded session reproducible.
type DirSource struct {
	paths []string
	next  int
	clock func() time.Time
}

func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return &DirSource{paths: paths, clock: time.Now}, nil
}

// Len is the number of frames the directory holds.
func (d *DirSource) Len() int { return len(d.paths) }

func (d *DirSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if d.next >= len(d.paths) {
		return types.Frame{}, io.EOF
	}
	path := d.paths[d.next]
	d.next++

	data, err := LoadJPEG(path)
	if err != nil {
		return types.Frame{}, err
	}
	return types.Frame{Index: d.next, Timestamp: d.clock(), Data: data}, nil
}

func (d *DirSource) Close() error { return nil }

// LoadJPEG reads an image file as JPEG bytes. JPEGs pass through untouched; other
// formats are decoded (honouring EXIF orientation) and re-encoded.
func LoadJPEG(path string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".jpg" || ext == ".jpeg" {
		return os.ReadFile(path)
	}
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return nil, fmt.Errorf("encode %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

// SliceSource serves a fixed list of frames.
type SliceSource struct {
	Frames []types.Frame
	next   int
}

func (s *SliceSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if s.next >= len(s.Frames) {
		return types.Frame{}, io.EOF
	}
	f := s.Frames[s.next]
	s.next++
	return f, nil
}

func (s *SliceSource) Close() error { return nil }

// Sampled passes through every nth frame of its source and drops the rest.
type Sampled struct {
	Source
	N int
}

func (s Sampled) Next(ctx context.Context) (types.Frame, error) {
	for {
		f, err := s.Source.Next(ctx)
		if err != nil {
			return f, err
		}
		if s.N <= 1 || f.Index%s.N == 0 {
			return f, nil
		}
	}
}

// Downscaled shrinks frames wider than MaxWidth before they reach the models.
// Face boxes and landmarks are then in the downscaled coordinates.
type Downscaled struct {
	Source
	MaxWidth int
}

func (d Downscaled) Next(ctx context.Context) (types.Frame, error) {
	f, err := d.Source.Next(ctx)
	if err != nil || d.MaxWidth <= 0 {
		return f, err
	}
	img, err := imaging.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return f, fmt.Errorf("decode frame %d: %w", f.Index, err)
	}
	if img.Bounds().Dx() <= d.MaxWidth {
		return f, nil
	}
	small := imaging.Resize(img, d.MaxWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, small, imaging.JPEG); err != nil {
		return f, fmt.Errorf("encode frame %d: %w", f.Index, err)
	}
	f.Data = buf.Bytes()
	return f, nil
}
