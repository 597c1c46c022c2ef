package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/camrelay/camrelay/internal/metrics"
)

// MJPEGBoundary is the multipart boundary used by WriteMJPEG.
const MJPEGBoundary = "frame"

const defaultCaptureFPS = 30

// Streamer runs a single capture loop while started and hands the most recent
// frame to every reader. Readers never trigger a capture themselves.
type Streamer struct {
	src      Source
	interval time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	active  bool
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	latest  []byte
	seq     uint64
	lastErr error
	// updated is closed and replaced whenever latest or active changes.
	updated chan struct{}
}

// NewStreamer returns a stopped streamer that captures at fps once started
// (30 when fps <= 0). A nil src makes Start fail with ErrDeviceUnavailable.
func NewStreamer(src Source, fps int, log *slog.Logger, m *metrics.Metrics) *Streamer {
	if log == nil {
		log = slog.Default()
	}
	if fps <= 0 {
		fps = defaultCaptureFPS
	}
	return &Streamer{
		src:      src,
		interval: time.Second / time.Duration(fps),
		log:      log,
		metrics:  m,
		updated:  make(chan struct{}),
	}
}

// Start opens the camera by capturing a first frame, then keeps capturing in
// the background until Stop. Starting an active streamer is a no-op.
func (s *Streamer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil
	}
	if s.src == nil {
		return fmt.Errorf("%w: no capture source", ErrDeviceUnavailable)
	}
	frame, err := s.src.Capture(ctx)
	if err != nil {
		s.log.Error("camera start failed", "err", err)
		return err
	}
	s.metrics.Inc(metrics.StreamFramesCaptured)

	loopCtx, cancel := context.WithCancel(context.Background())
	s.gen++
	s.active = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.publishLocked(frame, nil)
	go s.loop(loopCtx, s.gen, s.done)

	s.log.Info("camera started", "interval", s.interval)
	return nil
}

// Stop ends the capture loop and waits for it to exit.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.publishLocked(nil, ErrNotStreaming)
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info("camera stopped")
}

func (s *Streamer) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Streamer) loop(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := s.src.Capture(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.metrics.Inc(metrics.StreamFrameMissing)
			s.log.Warn("frame capture failed", "err", err)
		} else {
			s.metrics.Inc(metrics.StreamFramesCaptured)
		}

		s.mu.Lock()
		if s.gen == gen && s.active {
			s.publishLocked(frame, err)
		}
		s.mu.Unlock()
	}
}

// publishLocked replaces the current frame. A failed capture clears it so
// readers do not get a stale image. s.mu must be held.
func (s *Streamer) publishLocked(frame []byte, err error) {
	if err != nil {
		frame = nil
	}
	s.latest = frame
	s.lastErr = err
	s.seq++
	close(s.updated)
	s.updated = make(chan struct{})
}

// frameState is what readers see of the streamer at one instant. updated is
// closed on the next change.
type frameState struct {
	frame   []byte
	seq     uint64
	err     error
	updated <-chan struct{}
}

func (s *Streamer) current() frameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return frameState{seq: s.seq, err: ErrNotStreaming, updated: s.updated}
	}
	return frameState{frame: s.latest, seq: s.seq, err: s.lastErr, updated: s.updated}
}

// Frame returns the most recently captured frame. It fails with
// ErrNotStreaming while stopped and with the capture error when the last
// capture failed.
func (s *Streamer) Frame(context.Context) ([]byte, error) {
	st := s.current()
	if st.err != nil {
		s.metrics.Inc(metrics.StreamFrameMissing)
		return nil, st.err
	}
	s.metrics.Inc(metrics.StreamFramesServed)
	return st.frame, nil
}

// WriteMJPEG writes each newly captured frame as a multipart part, at most
// fps parts per second, until ctx is done, the streamer is stopped, or a
// write fails. Failed captures are skipped. flush may be nil.
func (s *Streamer) WriteMJPEG(ctx context.Context, w io.Writer, flush func(), fps int) error {
	if fps <= 0 {
		fps = defaultCaptureFPS
	}
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(MJPEGBoundary); err != nil {
		return err
	}

	minGap := time.Second / time.Duration(fps)
	var written uint64
	var lastWrite time.Time
	for {
		st := s.current()
		if errors.Is(st.err, ErrNotStreaming) {
			return nil
		}
		if st.err == nil && st.seq != written {
			if wait := minGap - time.Since(lastWrite); wait > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
				// A newer frame may have landed while waiting.
				continue
			}
			if err := writePart(mw, st.frame); err != nil {
				return err
			}
			if flush != nil {
				flush()
			}
			s.metrics.Inc(metrics.StreamFramesServed)
			written, lastWrite = st.seq, time.Now()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-st.updated:
		}
	}
}

func writePart(mw *multipart.Writer, frame []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(len(frame)))
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(frame); err != nil {
		return err
	}
	return nil
}
