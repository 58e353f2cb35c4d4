package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

// ErrModelUnavailable means the detection/embedding/landmark models could not be loaded.
var ErrModelUnavailable = errors.New("face models unavailable")

// ErrWorkerBroken is returned once the pipe to the worker failed or timed out.
// The child is killed and every later call fails with it.
var ErrWorkerBroken = errors.New("face worker out of service")

const (
	statusOK    = 0
	statusError = 1

	maxFaces     = 256
	maxDim       = 4096
	maxLandmarks = 1024
	maxMessage   = 16 << 20
)

// Config describes how to launch the model worker.
type Config struct {
	Python      string
	Script      string
	Model       string // "hog" or "cnn" face locator
	Upsample    int
	ReadTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Python:      "python3",
		Script:      "python/worker.py",
		Model:       "hog",
		Upsample:    1,
		ReadTimeout: 30 * time.Second,
	}
}

// PythonWorker runs the pretrained face models in a child process.
// Frames go in on stdin; results come back on a dedicated pipe (FD 3) so the
// child's stdout/stderr chatter never corrupts the protocol.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	timeout  time.Duration
	broken   error
}

// NewPythonWorker starts the worker and waits for it to report that its models
// loaded. Any failure before that point is ErrModelUnavailable.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script,
		"--model", cfg.Model,
		"--upsample", strconv.Itoa(cfg.Upsample),
	)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("%w: worker %d failed to start: %v", ErrModelUnavailable, id, err)
	}

	// Only the child holds the write end now
	w.Close()

	pw := &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		timeout:  cfg.ReadTimeout,
	}

	if err := pw.awaitReady(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return pw, nil
}

// awaitReady reads the startup message: a status byte, plus an error message when non-zero.
func (w *PythonWorker) awaitReady() error {
	resp, err := w.readMessage()
	if err != nil {
		return fmt.Errorf("worker %d exited before ready: %w", w.ID, err)
	}
	return decodeStatus(bytes.NewReader(resp))
}

// Communicate sends one length-prefixed message and reads one back. A reply
// that is late or cut short would leave the stream out of step, so any pipe
// error takes the worker out of service.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if w.broken != nil {
		return nil, w.broken
	}
	resp, err := w.roundTrip(data)
	if err != nil {
		w.breakDown(err)
		return nil, w.broken
	}
	return resp, nil
}

func (w *PythonWorker) roundTrip(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}
	return w.readMessage()
}

func (w *PythonWorker) breakDown(err error) {
	w.broken = fmt.Errorf("%w: worker %d: %w", ErrWorkerBroken, w.ID, err)
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

func (w *PythonWorker) readMessage() ([]byte, error) {
	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.timeout > 0 {
		if err := d.SetReadDeadline(time.Now().Add(w.timeout)); err != nil {
			return nil, err
		}
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxMessage {
		return nil, fmt.Errorf("implausible message length %d", n)
	}
	body := make([]byte, n)
	_, err := io.ReadFull(w.DataPipe, body)
	return body, err
}

// ProcessFrame runs detection, landmarks and embedding on one JPEG frame.
//
// Response layout (big endian):
//
//	[status u8]
//	status 0: [faces u32] then per face
//	          [top right bottom left i32] [score f32] [dim u32] [dim x f32] [points u32] [points x (x i32, y i32)]
//	status 1: [len u32] [message]
func (w *PythonWorker) ProcessFrame(data []byte) ([]types.Face, error) {
	resp, err := w.Communicate(data)
	if err != nil {
		return nil, err
	}
	return decodeFaces(resp)
}

// Analyze implements the pipeline's analyzer. The worker handles one frame at a
// time, so ctx is only checked before sending.
func (w *PythonWorker) Analyze(ctx context.Context, data []byte) ([]types.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return w.ProcessFrame(data)
}

func decodeStatus(r *bytes.Reader) error {
	status, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("empty worker response: %w", err)
	}
	switch status {
	case statusOK:
		return nil
	case statusError:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return fmt.Errorf("truncated worker error: %w", err)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return fmt.Errorf("truncated worker error: %w", err)
		}
		return fmt.Errorf("python worker error: %s", msg)
	default:
		return fmt.Errorf("unknown worker status %d", status)
	}
}

func decodeFaces(resp []byte) ([]types.Face, error) {
	r := bytes.NewReader(resp)
	if err := decodeStatus(r); err != nil {
		return nil, err
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}
	if n > maxFaces {
		return nil, fmt.Errorf("implausible face count %d", n)
	}

	faces := make([]types.Face, 0, n)
	for i := uint32(0); i < n; i++ {
		var hdr struct {
			Box   [4]int32
			Score float32
			Dim   uint32
		}
		if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
			return nil, fmt.Errorf("face %d header: %w", i, err)
		}
		if hdr.Dim > maxDim {
			return nil, fmt.Errorf("face %d: implausible descriptor length %d", i, hdr.Dim)
		}
		vec32 := make([]float32, hdr.Dim)
		if err := binary.Read(r, binary.BigEndian, vec32); err != nil {
			return nil, fmt.Errorf("face %d descriptor: %w", i, err)
		}

		var npts uint32
		if err := binary.Read(r, binary.BigEndian, &npts); err != nil {
			return nil, fmt.Errorf("face %d landmark count: %w", i, err)
		}
		if npts > maxLandmarks {
			return nil, fmt.Errorf("face %d: implausible landmark count %d", i, npts)
		}
		pts := make([][2]int32, npts)
		if err := binary.Read(r, binary.BigEndian, pts); err != nil {
			return nil, fmt.Errorf("face %d landmarks: %w", i, err)
		}

		f := types.Face{
			Score:     float64(hdr.Score),
			Vec:       make([]float64, hdr.Dim),
			Landmarks: make([]image.Point, npts),
		}
		for j, b := range hdr.Box {
			f.Loc[j] = int(b)
		}
		for j, v := range vec32 {
			if math.IsNaN(float64(v)) {
				return nil, fmt.Errorf("face %d: NaN in descriptor", i)
			}
			f.Vec[j] = float64(v)
		}
		for j, p := range pts {
			f.Landmarks[j] = image.Pt(int(p[0]), int(p[1]))
		}
		faces = append(faces, f)
	}
	return faces, nil
}

// Close shuts the worker down and waits for it to exit.
func (w *PythonWorker) Close() error {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		return w.Cmd.Wait()
	}
	return nil
}
