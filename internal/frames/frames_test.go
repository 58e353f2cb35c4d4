package frames

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitJpeg(t *testing.T) {
	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, 0x00, 0x00) // Garbage at end

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	require.True(t, scanner.Scan(), "expected a token")
	assert.Equal(t, jpegData, scanner.Bytes())
	assert.False(t, scanner.Scan(), "trailing garbage is not a frame")
	assert.NoError(t, scanner.Err())
}

func TestStreamSource(t *testing.T) {
	a := []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 0xBB, 0xBB, 0xFF, 0xD9}
	src := NewStreamSource(bytes.NewReader(append(append([]byte{}, a...), b...)))
	ctx := context.Background()

	f1, err := src.Next(ctx)
	require.NoError(t, err)
	f2, err := src.Next(ctx)
	require.NoError(t, err)
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, 1, f1.Index)
	assert.Equal(t, a, f1.Data)
	assert.Equal(t, 2, f2.Index)
	assert.Equal(t, b, f2.Data)
	assert.False(t, f1.Timestamp.IsZero())
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.White)
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestDirSource_OrderAndConversion(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "002.png"), 8, 8)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001.jpg"), []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	src, err := NewDirSource(dir)
	require.NoError(t, err)
	require.Equal(t, 2, src.Len())
	ctx := context.Background()

	f1, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xD9}, f1.Data, "jpeg passes through")

	f2, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, JpegSOI, f2.Data[:2], "png is re-encoded as jpeg")

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDirSource_Missing(t *testing.T) {
	_, err := NewDirSource(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrCameraUnavailable)
}

func TestSampled(t *testing.T) {
	var fs []types.Frame
	for i := 1; i <= 10; i++ {
		fs = append(fs, types.Frame{Index: i})
	}
	src := Sampled{Source: &SliceSource{Frames: fs}, N: 3}

	var got []int
	for {
		f, err := src.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, f.Index)
	}
	assert.Equal(t, []int{3, 6, 9}, got)
}

func TestDownscaled(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 400, 200)), imaging.JPEG))
	src := Downscaled{Source: &SliceSource{Frames: []types.Frame{{Index: 1, Data: buf.Bytes()}}}, MaxWidth: 100}

	f, err := src.Next(context.Background())
	require.NoError(t, err)
	img, err := imaging.Decode(bytes.NewReader(f.Data))
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())
}

func TestSliceSource_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&SliceSource{Frames: []types.Frame{{Index: 1}}}).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFFmpegArgs(t *testing.T) {
	got := ffmpegArgs(FFmpegConfig{Input: "/dev/video0", Format: "v4l2", FrameRate: 2})
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2", "-i", "/dev/video0", "-r", "2",
		"-f", "image2pipe", "-vcodec", "mjpeg", "-",
	}, got)

	got = ffmpegArgs(FFmpegConfig{Input: "class.mp4"})
	assert.Equal(t, []string{"-hide_banner", "-loglevel", "error", "-i", "class.mp4", "-f", "image2pipe", "-vcodec", "mjpeg", "-"}, got)
}
