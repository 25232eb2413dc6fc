package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/sentinel-edge/internal/types"
	"github.com/andresmejia3/sentinel-edge/internal/utils" // Using the SafeCommand wrapper
)

// Op selects what the inference process runs on a frame.
type Op byte

const (
	OpDetect    Op = 1 // boxes + confidence
	OpLandmarks Op = 2 // boxes + five keypoints
	OpEmbed     Op = 3 // boxes + embeddings
)

const (
	statusOK    = 0
	statusError = 1
)

// DefaultCommand starts the bundled inference script.
var DefaultCommand = []string{"python3", "-u", "python/worker.py"}

// Engine is one inference subprocess. Frames go out on stdin, results come
// back on a dedicated pipe (FD 3) so the child's logging on stdout/stderr
// can never corrupt the stream.
type Engine struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	JPEGQuality int

	mu   sync.Mutex
	dead error
}

func NewEngine(id int, command []string) (*Engine, error) {
	if len(command) == 0 {
		command = DefaultCommand
	}
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(command[0], command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &Engine{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		JPEGQuality: 90,
	}, nil
}

// Communicate sends one length-prefixed message and reads one back.
// Protocol: [uint32 BE length][payload] in both directions.
// A child that stops answering cannot be resynchronised, so when ctx ends
// mid-exchange the engine is killed and every later call fails.
func (e *Engine) Communicate(ctx context.Context, data []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dead != nil {
		return nil, e.dead
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := e.exchange(data)
		done <- result{body, err}
	}()

	select {
	case r := <-done:
		return r.body, r.err
	case <-ctx.Done():
		e.dead = fmt.Errorf("engine %d stopped: %w", e.ID, ctx.Err())
		e.kill()
		<-done // the closed pipes unblock the exchange
		return nil, ctx.Err()
	}
}

func (e *Engine) exchange(data []byte) ([]byte, error) {
	if err := binary.Write(e.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := e.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(e.DataPipe, header); err != nil {
		return nil, err // This is where we catch a crashed child
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(e.DataPipe, respBody)
	return respBody, err
}

// kill stops the child and closes both pipes so a blocked exchange returns.
func (e *Engine) kill() {
	if e.Cmd != nil && e.Cmd.Process != nil {
		e.Cmd.Process.Kill()
	}
	e.Stdin.Close()
	e.DataPipe.Close()
}

// Call encodes frame, runs op on it and decodes the reply.
// Request payload: [op][jpeg]. Reply payload: [status][json], where status 1
// carries an error message instead of a FaceResponse.
func (e *Engine) Call(ctx context.Context, op Op, frame image.Image) (types.FaceResponse, error) {
	if err := ctx.Err(); err != nil {
		return types.FaceResponse{}, err
	}
	quality := e.JPEGQuality
	if quality == 0 {
		quality = 90
	}
	jpg, err := utils.EncodeJPEG(frame, quality)
	if err != nil {
		return types.FaceResponse{}, fmt.Errorf("failed to encode frame: %w", err)
	}

	req := make([]byte, 0, len(jpg)+1)
	req = append(req, byte(op))
	req = append(req, jpg...)

	resp, err := e.Communicate(ctx, req)
	if err != nil {
		return types.FaceResponse{}, fmt.Errorf("engine %d: %w", e.ID, err)
	}
	if len(resp) == 0 {
		return types.FaceResponse{}, fmt.Errorf("engine %d: empty response", e.ID)
	}

	if resp[0] == statusError {
		msg := string(resp[1:])
		var er types.ErrorResult
		if json.Unmarshal(resp[1:], &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return types.FaceResponse{}, fmt.Errorf("python worker error: %s", msg)
	}

	var out types.FaceResponse
	if err := json.Unmarshal(resp[1:], &out); err != nil {
		return types.FaceResponse{}, fmt.Errorf("engine %d JSON malformed: %w", e.ID, err)
	}
	return out, nil
}

// Detect returns the most confident face without landmarks.
func (e *Engine) Detect(ctx context.Context, frame image.Image) (types.Detection, bool, error) {
	return e.detect(ctx, OpDetect, frame)
}

// DetectLandmarks returns the most confident face with its keypoints.
func (e *Engine) DetectLandmarks(ctx context.Context, frame image.Image) (types.Detection, bool, error) {
	return e.detect(ctx, OpLandmarks, frame)
}

func (e *Engine) detect(ctx context.Context, op Op, frame image.Image) (types.Detection, bool, error) {
	resp, err := e.Call(ctx, op, frame)
	if err != nil {
		return types.Detection{}, false, err
	}
	best, ok := resp.Best()
	if !ok {
		return types.Detection{}, false, nil
	}
	det, ok := best.Detection()
	return det, ok, nil
}

// Extract returns every face with an embedding, best first.
func (e *Engine) Extract(ctx context.Context, frame image.Image) ([]types.FaceEmbedding, error) {
	resp, err := e.Call(ctx, OpEmbed, frame)
	if err != nil {
		return nil, err
	}
	return resp.Embeddings(), nil
}

// Close shuts the child down and reaps it.
func (e *Engine) Close() error {
	e.Stdin.Close()
	e.DataPipe.Close()
	if e.Cmd == nil {
		return nil
	}
	if err := e.Cmd.Wait(); err != nil && e.Cmd.Stderr.Len() > 0 {
		return fmt.Errorf("%w: %s", err, e.Cmd.Stderr.String())
	}
	return nil
}
