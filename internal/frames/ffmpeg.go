package frames

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

// FFmpegConfig selects what ffmpeg captures.
type FFmpegConfig struct {
	// Input is a device ("/dev/video0", "0" for avfoundation) or a video file path.
	Input string
	// Format is the ffmpeg input format for capture devices (v4l2, avfoundation, dshow).
	// Empty means Input is a file.
	Format string
	// FrameRate, if > 0, resamples the output to this many frames per second.
	FrameRate int
	// StartTimeout bounds the wait for the first frame.
	StartTimeout time.Duration
}

// FFmpegSource decodes a camera or video through an ffmpeg child process that
// writes MJPEG to stdout.
type FFmpegSource struct {
	cmd     *utils.SafeCommand
	out     io.ReadCloser
	stream  *StreamSource
	pending *types.Frame
	closed  bool
}

func ffmpegArgs(cfg FFmpegConfig) []string {
	// -hide_banner and -loglevel error keep the stderr buffer small
	args := []string{"-hide_banner", "-loglevel", "error"}
	if cfg.Format != "" {
		args = append(args, "-f", cfg.Format)
	}
	args = append(args, "-i", cfg.Input)
	if cfg.FrameRate > 0 {
		args = append(args, "-r", strconv.Itoa(cfg.FrameRate))
	}
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// OpenFFmpeg starts ffmpeg and waits for the first frame. Anything that stops the
// first frame from arriving is reported as ErrCameraUnavailable.
func OpenFFmpeg(ctx context.Context, cfg FFmpegConfig) (*FFmpegSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found: %v", ErrCameraUnavailable, err)
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}

	cmd := utils.NewSafeCommand(ctx, "ffmpeg", ffmpegArgs(cfg)...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}

	s := &FFmpegSource{cmd: cmd, out: out, stream: NewStreamSource(out)}

	type first struct {
		frame types.Frame
		err   error
	}
	ch := make(chan first, 1)
	go func() {
		f, err := s.stream.Next(ctx)
		ch <- first{f, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: %s: %v %s", ErrCameraUnavailable, cfg.Input, r.err, cmd.Stderr.String())
		}
		s.pending = &r.frame
		return s, nil
	case <-time.After(cfg.StartTimeout):
		s.Close()
		<-ch
		return nil, fmt.Errorf("%w: no frame from %s within %s", ErrCameraUnavailable, cfg.Input, cfg.StartTimeout)
	}
}

func (s *FFmpegSource) Next(ctx context.Context) (types.Frame, error) {
	if s.pending != nil {
		f := *s.pending
		s.pending = nil
		return f, nil
	}
	return s.stream.Next(ctx)
}

// Command exposes the ffmpeg process and its captured stderr.
func (s *FFmpegSource) Command() *utils.SafeCommand { return s.cmd }

// Close stops ffmpeg and reaps it. Safe to call more than once.
func (s *FFmpegSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.out.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	// Killed on purpose, so the exit status carries no information
	s.cmd.Wait()
	return nil
}
