// Package source decodes camera streams and video files into frames.
package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/andresmejia3/sentinel-edge/internal/utils"
)

const (
	megabyte = 1024 * 1024
	// maxCorrupt consecutive undecodable frames are treated as a dead stream.
	maxCorrupt = 25
)

// ErrStreamEnded is returned by Next when a live stream's decoder exits.
var ErrStreamEnded = errors.New("ffmpeg stream ended")

// CommandFunc builds the decoder process. It must write concatenated JPEGs to
// stdout.
type CommandFunc func(ctx context.Context, input string) *exec.Cmd

// FFmpeg is a FrameSource backed by an ffmpeg process writing MJPEG to a pipe.
// It is used by one goroutine at a time.
type FFmpeg struct {
	Input string
	// Live sources never end: the decoder exiting is a disconnect, not EOF.
	Live    bool
	Command CommandFunc
	Logger  *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stderr  *bytes.Buffer
	stdout  io.ReadCloser
	scanner *bufio.Scanner
	frames  int
}

// IsLive reports whether input is a network stream rather than a file.
func IsLive(input string) bool {
	i := strings.Index(input, "://")
	return i > 0 && !strings.EqualFold(input[:i], "file")
}

// Open starts decoding input. The process is bound to ctx.
func Open(ctx context.Context, input string, logger *zap.Logger) (*FFmpeg, error) {
	f := &FFmpeg{Input: input, Live: IsLive(input), Logger: logger}
	if err := f.start(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FFmpeg) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}

func (f *FFmpeg) start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	build := f.Command
	if build == nil {
		build = utils.NewFFmpegCmd
	}
	cmd := build(ctx, f.Input)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create decoder stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start decoder: %w", err)
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	f.cmd, f.stderr, f.stdout, f.scanner = cmd, &stderrBuf, out, scanner
	return nil
}

// Next returns the next decoded frame. Single corrupt frames are skipped.
func (f *FFmpeg) Next(ctx context.Context) (image.Image, error) {
	f.mu.Lock()
	scanner := f.scanner
	f.mu.Unlock()
	if scanner == nil {
		return nil, errors.New("source is closed")
	}

	corrupt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !scanner.Scan() {
			return nil, f.finish(scanner.Err())
		}
		img, err := jpeg.Decode(bytes.NewReader(scanner.Bytes()))
		if err == nil {
			f.frames++
			return img, nil
		}
		corrupt++
		f.logger().Debug("Skipping corrupt frame", zap.Error(err))
		if corrupt >= maxCorrupt {
			return nil, fmt.Errorf("%d consecutive corrupt frames: %w", corrupt, err)
		}
	}
}

// finish reaps the decoder after its output ended and classifies the end.
func (f *FFmpeg) finish(scanErr error) error {
	waitErr := f.stop()
	switch {
	case scanErr != nil:
		return fmt.Errorf("frame scanner failed: %w", scanErr)
	case waitErr != nil:
		return waitErr
	case f.Live:
		return ErrStreamEnded
	}
	return io.EOF
}

// Reconnect kills the current decoder, if any, and starts a new one.
func (f *FFmpeg) Reconnect(ctx context.Context) error {
	f.stop()
	f.logger().Info("Reconnecting source", zap.Int("frames_before", f.frames))
	return f.start(ctx)
}

// Close kills the decoder and reaps it.
func (f *FFmpeg) Close() error {
	f.stop()
	return nil
}

// Frames is the number of frames decoded so far.
func (f *FFmpeg) Frames() int { return f.frames }

// stop kills and reaps the decoder. A decoder that exited on its own with a
// failure status is reported together with its stderr.
func (f *FFmpeg) stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cmd == nil {
		return nil
	}
	cmd, stderr := f.cmd, f.stderr
	f.cmd, f.stdout, f.scanner = nil, nil, nil

	// Killing an already exited child is harmless; Wait still reports its
	// real exit status.
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	err := cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && errors.As(err, &exitErr) && exitErr.Exited() {
		return fmt.Errorf("decoder failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
