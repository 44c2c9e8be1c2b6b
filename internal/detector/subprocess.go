package detector

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-mirror/internal/pose"
)

// Subprocess defaults.
const (
	DefaultRequestTimeout = 2 * time.Second
	DefaultStopTimeout    = 2 * time.Second
	maxMessageSize        = 64 << 20
)

// SubprocessConfig describes the worker process.
type SubprocessConfig struct {
	Name           string // used in logs, e.g. "subject"
	Command        string
	Args           []string
	Env            []string
	RequestTimeout time.Duration
	StopTimeout    time.Duration
}

type request struct {
	FrameData   []byte  `msgpack:"frame_data"`
	Width       int     `msgpack:"width"`
	Height      int     `msgpack:"height"`
	TimestampMS float64 `msgpack:"timestamp_ms"`
	Seq         uint64  `msgpack:"seq"`
}

type response struct {
	Seq         uint64      `msgpack:"seq"`
	Found       bool        `msgpack:"found"`
	Keypoints   [][]float64 `msgpack:"keypoints"`
	TimestampMS float64     `msgpack:"timestamp_ms"`
	Error       string      `msgpack:"error"`
}

// writeMessage writes v as msgpack behind a 4-byte big-endian length.
func writeMessage(w io.Writer, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal msgpack: %w", err)
	}
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(data)))
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write msgpack data: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
func readMessage(r io.Reader, v any) error {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix)
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read msgpack data: %w", err)
	}
	return msgpack.Unmarshal(data, v)
}

// Subprocess runs pose estimation in an external worker (the Python
// MediaPipe script) and talks to it over stdin/stdout.
type Subprocess struct {
	cfg    SubprocessConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc

	mu        sync.Mutex // one request in flight
	responses chan response
	exited    chan struct{}
	waitErr   error
	closed    atomic.Bool
	seq       atomic.Uint64

	requests     atomic.Uint64
	detections   atomic.Uint64
	failures     atomic.Uint64
	totalLatency atomic.Int64 // microseconds
	lastSeenAt   atomic.Int64
}

// StartSubprocess spawns the worker.
func StartSubprocess(ctx context.Context, cfg SubprocessConfig) (*Subprocess, error) {
	if cfg.Command == "" {
		return nil, errors.New("detector: worker command is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("detector: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("detector: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("detector: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("detector: start %s: %w", cfg.Command, err)
	}

	s := &Subprocess{
		cfg:       cfg,
		cmd:       cmd,
		stdin:     stdin,
		cancel:    cancel,
		responses: make(chan response, 1),
		exited:    make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readResponses(stdout)
	}()
	go func() {
		defer readers.Done()
		s.logStderr(stderr)
	}()
	go func() {
		// Pipes must be drained before Wait closes them.
		readers.Wait()
		s.waitErr = cmd.Wait()
		close(s.exited)
		if s.closed.Load() {
			slog.Debug("detector: worker exited", "worker", cfg.Name)
		} else {
			slog.Error("detector: worker exited unexpectedly", "worker", cfg.Name, "error", s.waitErr)
		}
	}()

	slog.Info("detector: worker started", "worker", cfg.Name, "command", cfg.Command, "pid", cmd.Process.Pid)
	return s, nil
}

func (s *Subprocess) readResponses(stdout io.Reader) {
	for {
		var resp response
		err := readMessage(stdout, &resp)
		if err == io.EOF {
			slog.Debug("detector: worker stdout closed", "worker", s.cfg.Name)
			return
		}
		if err != nil {
			slog.Error("detector: bad worker message", "worker", s.cfg.Name, "error", err)
			return
		}
		// Latest wins: a response nobody waits for any more is replaced.
		select {
		case s.responses <- resp:
		default:
			select {
			case <-s.responses:
			default:
			}
			s.responses <- resp
		}
	}
}

func (s *Subprocess) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			slog.Error("detector: worker error", "worker", s.cfg.Name, "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("detector: worker warning", "worker", s.cfg.Name, "log", line)
		default:
			slog.Debug("detector: worker log", "worker", s.cfg.Name, "log", line)
		}
	}
}

// Detect sends img and waits for the matching answer.
func (s *Subprocess) Detect(ctx context.Context, img Image) (*pose.PoseResult, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	s.requests.Add(1)
	seq := s.seq.Add(1)

	p, err := s.roundTrip(ctx, seq, img)
	if err != nil {
		s.failures.Add(1)
		return nil, err
	}

	s.totalLatency.Add(time.Since(start).Microseconds())
	s.lastSeenAt.Store(time.Now().UnixNano())
	if p != nil {
		s.detections.Add(1)
	}
	return p, nil
}

func (s *Subprocess) roundTrip(ctx context.Context, seq uint64, img Image) (*pose.PoseResult, error) {
	timeout := time.NewTimer(s.cfg.RequestTimeout)
	defer timeout.Stop()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeMessage(s.stdin, request{
			FrameData:   img.Data,
			Width:       img.Width,
			Height:      img.Height,
			TimestampMS: img.TimestampMS,
			Seq:         seq,
		})
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			return nil, fmt.Errorf("detector %s: %w", s.cfg.Name, err)
		}
	case <-timeout.C:
		// A half-written frame leaves the pipe unusable.
		slog.Error("detector: worker stdin blocked, killing", "worker", s.cfg.Name)
		s.cancel()
		return nil, fmt.Errorf("detector %s: write: %w", s.cfg.Name, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.exited:
		return nil, fmt.Errorf("detector %s: worker exited: %v", s.cfg.Name, s.waitErr)
	}

	for {
		select {
		case resp := <-s.responses:
			if resp.Seq != seq {
				// Stale answer to a request that already timed out.
				continue
			}
			if resp.Error != "" {
				return nil, fmt.Errorf("detector %s: worker: %s", s.cfg.Name, resp.Error)
			}
			if !resp.Found {
				return nil, nil
			}
			return fromLandmarks(resp.Keypoints, img.TimestampMS)
		case <-timeout.C:
			return nil, fmt.Errorf("detector %s: %w", s.cfg.Name, ErrTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.exited:
			return nil, fmt.Errorf("detector %s: worker exited: %v", s.cfg.Name, s.waitErr)
		}
	}
}

// Metrics returns request counters.
func (s *Subprocess) Metrics() Metrics {
	m := Metrics{
		Requests:   s.requests.Load(),
		Detections: s.detections.Load(),
		Failures:   s.failures.Load(),
	}
	if ok := m.Requests - m.Failures; ok > 0 {
		m.AvgLatencyMS = float64(s.totalLatency.Load()) / 1000 / float64(ok)
	}
	if ns := s.lastSeenAt.Load(); ns > 0 {
		m.LastSeenAt = time.Unix(0, ns)
	}
	return m
}

// Close closes stdin so the worker exits on its own, and kills it after
// StopTimeout.
func (s *Subprocess) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.stdin.Close()

	select {
	case <-s.exited:
	case <-time.After(s.cfg.StopTimeout):
		slog.Warn("detector: worker stop timeout, killing", "worker", s.cfg.Name)
		s.cancel()
		select {
		case <-s.exited:
		case <-time.After(s.cfg.StopTimeout):
			slog.Error("detector: worker did not exit after kill", "worker", s.cfg.Name)
		}
	}
	s.cancel()

	m := s.Metrics()
	slog.Info("detector: worker stopped",
		"worker", s.cfg.Name,
		"requests", m.Requests,
		"detections", m.Detections,
		"failures", m.Failures,
	)
	return nil
}
