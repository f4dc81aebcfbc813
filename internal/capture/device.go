// Package capture drives the per-device recording workers: it opens
// capture devices, tunes them to the requested channel and streams the
// raw feed into scratch files until the scheduled end time.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jmylchreest/pvrd/internal/config"
	"github.com/jmylchreest/pvrd/internal/profile"
)

// ErrReadTimeout is returned by WaitReadable when the device produced no
// data within the timeout.
var ErrReadTimeout = errors.New("device read timeout")

const (
	openRetries      = 3
	openRetryBackoff = 500 * time.Microsecond
)

// Device is an opaque byte-stream producer. Implementations own the
// underlying file descriptor; Close releases it.
type Device interface {
	// Setup applies capture parameters and card controls.
	Setup(p profile.CaptureParams, c config.CardControls) error
	// Tune switches the device to a channel or input source.
	Tune(channel string) error
	// WaitReadable blocks until data is available or the timeout
	// elapses, in which case it returns ErrReadTimeout.
	WaitReadable(timeout time.Duration) error
	Read(buf []byte) (int, error)
	Close() error
}

// Controller applies input selection and tuning to the hardware. The
// driver-level control vocabulary lives behind this interface so the
// capture loop stays device-agnostic.
type Controller interface {
	SelectInput(index int) error
	SetFrequency(khz uint32) error
	Apply(p profile.CaptureParams, c config.CardControls) error
}

// Opener produces a ready-to-read Device for a device index.
type Opener func(index int) (Device, error)

// fileDevice reads a capture node with poll-based readiness checks.
type fileDevice struct {
	fd      int
	path    string
	ctrl    Controller
	freqs   *FrequencyMap
	tunerIn int
	prefix  string
	logger  *slog.Logger
}

// FileDeviceConfig carries the pieces a fileDevice needs beyond its path.
type FileDeviceConfig struct {
	Controller  Controller
	Frequencies *FrequencyMap
	TunerInput  int
	InputPrefix string
	Logger      *slog.Logger
}

// OpenFileDevice opens a capture node read-only. A busy device is
// retried a few times with a short backoff, since the previous owner may
// still be releasing it.
func OpenFileDevice(path string, cfg FileDeviceConfig) (Device, error) {
	var fd int
	var err error
	for attempt := 1; ; attempt++ {
		fd, err = unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EBUSY) || attempt >= openRetries {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		time.Sleep(time.Duration(attempt) * openRetryBackoff)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctrl := cfg.Controller
	if ctrl == nil {
		ctrl = NoopController{}
	}
	return &fileDevice{
		fd:      fd,
		path:    path,
		ctrl:    ctrl,
		freqs:   cfg.Frequencies,
		tunerIn: cfg.TunerInput,
		prefix:  cfg.InputPrefix,
		logger:  logger,
	}, nil
}

func (d *fileDevice) Setup(p profile.CaptureParams, c config.CardControls) error {
	if err := d.ctrl.Apply(p, c); err != nil {
		return fmt.Errorf("applying capture parameters on %s: %w", d.path, err)
	}
	return nil
}

// Tune selects either a direct input source (channel names carrying the
// configured prefix, e.g. "SE1") or the tuner input plus a frequency
// looked up from the channel map.
func (d *fileDevice) Tune(channel string) error {
	if d.prefix != "" && strings.HasPrefix(channel, d.prefix) {
		idx, err := strconv.Atoi(strings.TrimPrefix(channel, d.prefix))
		if err != nil {
			return fmt.Errorf("bad input source %q: %w", channel, err)
		}
		if err := d.ctrl.SelectInput(idx); err != nil {
			return fmt.Errorf("selecting input %d on %s: %w", idx, d.path, err)
		}
		d.logger.Debug("input source selected", slog.String("device", d.path), slog.Int("input", idx))
		return nil
	}

	if d.freqs == nil {
		return fmt.Errorf("no frequency map configured for channel %q", channel)
	}
	khz, err := d.freqs.Resolve(channel)
	if err != nil {
		return err
	}
	if err := d.ctrl.SelectInput(d.tunerIn); err != nil {
		return fmt.Errorf("selecting tuner input on %s: %w", d.path, err)
	}
	if err := d.ctrl.SetFrequency(khz); err != nil {
		return fmt.Errorf("tuning %s to %d kHz: %w", d.path, khz, err)
	}
	d.logger.Debug("tuned",
		slog.String("device", d.path),
		slog.String("channel", channel),
		slog.Uint64("khz", uint64(khz)))
	return nil
}

func (d *fileDevice) WaitReadable(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrReadTimeout
		}
		fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(remaining.Milliseconds()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("polling %s: %w", d.path, err)
		}
		if n == 0 {
			return ErrReadTimeout
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return fmt.Errorf("polling %s: device error", d.path)
		}
		return nil
	}
}

func (d *fileDevice) Read(buf []byte) (int, error) {
	for {
		n, err := unix.Read(d.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return 0, nil
			}
			return 0, fmt.Errorf("reading %s: %w", d.path, err)
		}
		return n, nil
	}
}

func (d *fileDevice) Close() error {
	return unix.Close(d.fd)
}

// NoopController accepts every control operation without touching
// hardware. Used when channel switching is handled externally.
type NoopController struct{}

func (NoopController) SelectInput(int) error                                  { return nil }
func (NoopController) SetFrequency(uint32) error                              { return nil }
func (NoopController) Apply(profile.CaptureParams, config.CardControls) error { return nil }

// ScriptController shells out to an external switch script for channel
// changes, for receivers driven over IR or serial.
type ScriptController struct {
	Script string
	Runner func(script string, args ...string) error
	logger *slog.Logger
}

// NewScriptController builds a controller around the given script.
func NewScriptController(script string, logger *slog.Logger) *ScriptController {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptController{Script: script, Runner: runScript, logger: logger}
}

func (c *ScriptController) SelectInput(index int) error {
	return c.Runner(c.Script, "input", strconv.Itoa(index))
}

func (c *ScriptController) SetFrequency(khz uint32) error {
	return c.Runner(c.Script, "frequency", strconv.FormatUint(uint64(khz), 10))
}

func (c *ScriptController) Apply(profile.CaptureParams, config.CardControls) error {
	return nil
}

func runScript(script string, args ...string) error {
	if script == "" {
		return nil
	}
	if _, err := os.Stat(script); err != nil {
		return fmt.Errorf("switch script: %w", err)
	}
	return execScript(script, args...)
}
