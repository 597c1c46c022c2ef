// Package capture produces JPEG frames from the local camera.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

var (
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrNotStreaming      = errors.New("stream not active")
)

var jpegSOI = []byte{0xFF, 0xD8}

// Source yields one encoded JPEG frame per call.
type Source interface {
	Capture(ctx context.Context) ([]byte, error)
}

// CommandSource runs a shell command that writes a single JPEG to stdout,
// for example an ffmpeg invocation reading one frame from /dev/video0.
type CommandSource struct {
	Command string
	Timeout time.Duration
}

func (s CommandSource) Capture(ctx context.Context) ([]byte, error) {
	if strings.TrimSpace(s.Command) == "" {
		return nil, fmt.Errorf("%w: no capture command configured", ErrDeviceUnavailable)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", s.Command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children of the shell may keep the pipes open after a timeout.
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, fmt.Errorf("%w: %v: %s", ErrDeviceUnavailable, err, msg)
	}
	frame := stdout.Bytes()
	if !bytes.HasPrefix(frame, jpegSOI) {
		return nil, fmt.Errorf("%w: command output is not a jpeg (%d bytes)", ErrDeviceUnavailable, len(frame))
	}
	return frame, nil
}
