package source

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

// mjpegFile writes a fake decoder output: two frames with a corrupt one
// in between.
func mjpegFile(t *testing.T) string {
	t.Helper()
	var stream []byte
	stream = append(stream, jpegBytes(t, 64, 48)...)
	stream = append(stream, 0xFF, 0xD8, 0x00, 0x01, 0xFF, 0xD9)
	stream = append(stream, jpegBytes(t, 32, 24)...)
	path := filepath.Join(t.TempDir(), "stream.mjpeg")
	require.NoError(t, os.WriteFile(path, stream, 0o644))
	return path
}

func catCommand(t *testing.T) CommandFunc {
	t.Helper()
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	return func(ctx context.Context, input string) *exec.Cmd {
		return exec.CommandContext(ctx, "cat", input)
	}
}

func openTest(t *testing.T, live bool, cmd CommandFunc, input string) *FFmpeg {
	t.Helper()
	f := &FFmpeg{Input: input, Live: live, Command: cmd}
	require.NoError(t, f.start(context.Background()))
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFileSourceEndsWithEOF(t *testing.T) {
	f := openTest(t, false, catCommand(t), mjpegFile(t))
	ctx := context.Background()

	img, err := f.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())

	img, err = f.Next(ctx)
	require.NoError(t, err, "the corrupt frame is skipped")
	assert.Equal(t, 32, img.Bounds().Dx())

	_, err = f.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, f.Frames())
}

func TestLiveSourceEndIsADisconnect(t *testing.T) {
	f := openTest(t, true, catCommand(t), mjpegFile(t))
	ctx := context.Background()

	for range 2 {
		_, err := f.Next(ctx)
		require.NoError(t, err)
	}
	_, err := f.Next(ctx)
	require.ErrorIs(t, err, ErrStreamEnded)
	assert.False(t, errors.Is(err, io.EOF))

	require.NoError(t, f.Reconnect(ctx))
	img, err := f.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx(), "a reconnect restarts the stream")
	assert.Equal(t, 3, f.Frames())
}

func TestDecoderFailureCarriesStderr(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	failing := func(ctx context.Context, input string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo 'Connection refused' >&2; exit 1")
	}
	f := openTest(t, true, failing, "rtsp://10.0.0.9/stream")

	_, err := f.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoder failed")
	assert.Contains(t, err.Error(), "Connection refused")
}

func TestNextHonoursCancellation(t *testing.T) {
	f := openTest(t, false, catCommand(t), mjpegFile(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClosedSource(t *testing.T) {
	f := openTest(t, false, catCommand(t), mjpegFile(t))
	require.NoError(t, f.Close())
	_, err := f.Next(context.Background())
	assert.Error(t, err)
}

func TestIsLive(t *testing.T) {
	assert.True(t, IsLive("rtsp://admin:pw@10.0.0.2/stream"))
	assert.True(t, IsLive("http://cam.local/mjpeg"))
	assert.False(t, IsLive("/videos/door.mp4"))
	assert.False(t, IsLive("file:///videos/door.mp4"))
	assert.False(t, IsLive("door.mp4"))
}
