//go:build linux

package radio

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// Increase pipe buffer size to maximum (1MB on Linux) for better throughput
const maxPipeSize = 1024 * 1024

// fdReader assembles whole buffers from a non-blocking descriptor with a
// bounded wait.
type fdReader struct {
	fd   int
	buf  []byte
	keep *os.File
}

func newFDReader(fd int, size int) (*fdReader, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETPIPE_SZ, maxPipeSize)
	return &fdReader{fd: fd, buf: make([]byte, size)}, nil
}

func (r *fdReader) receive(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	fds := []unix.PollFd{{Fd: int32(r.fd), Events: unix.POLLIN}}
	total := 0
	for total < len(r.buf) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w after %d of %d bytes", ErrTimeout, total, len(r.buf))
		}
		n, err := unix.Read(r.fd, r.buf[total:])
		if n > 0 {
			total += n
			continue
		}
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			ms := int(remaining / time.Millisecond)
			if ms < 1 {
				ms = 1
			}
			if _, err := unix.Poll(fds, ms); err != nil && err != unix.EINTR {
				return nil, fmt.Errorf("poll: %w", err)
			}
		case err != nil:
			return nil, fmt.Errorf("read failed after %d bytes: %w", total, err)
		default:
			// EOF: no writer on the other end (yet).
			time.Sleep(1 * time.Millisecond)
		}
	}
	return r.buf, nil
}

func (r *fdReader) close() error {
	if r.keep != nil {
		err := r.keep.Close()
		r.keep = nil
		r.fd = -1
		return err
	}
	if r.fd >= 0 {
		err := unix.Close(r.fd)
		r.fd = -1
		return err
	}
	return nil
}

// Device reads raw wire-format samples from a character device (e.g. an
// XDMA C2H channel) or a named pipe. Tuning is done out of band.
type Device struct {
	path string
	r    *fdReader
}

func openDevice(a Args, format Format, bufferSamples int) (Source, error) {
	path := a.String("path", "/dev/xdma0_c2h_0")
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("could not open device %s: %w", path, err)
	}
	r, err := newFDReader(fd, bufferSamples*format.BytesPerSample())
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	glog.Infof("Opened device %s for %s capture", path, format)
	return &Device{path: path, r: r}, nil
}

func (d *Device) Configure(t Tuning) error {
	glog.V(1).Infof("device %s: tuning handled externally (%.3f MHz, %.3f MS/s)", d.path, t.CenterFreqHz/1e6, t.SampleRate/1e6)
	return nil
}

func (d *Device) Start() error { return nil }

func (d *Device) Receive(timeout time.Duration) ([]byte, error) {
	return d.r.receive(timeout)
}

func (d *Device) Stop() error { return nil }

func (d *Device) Close() error { return d.r.close() }

// Command runs an external receiver tool and reads raw samples from its
// stdout. The command line may use {freq}, {rate}, {gain} and {antenna}.
type Command struct {
	template string
	bufSize  int
	tuning   Tuning
	cmd      *exec.Cmd
	r        *fdReader
	exited   chan error
}

func openCommand(a Args, format Format, bufferSamples int) (Source, error) {
	tmpl := a.String("cmd", "")
	if strings.TrimSpace(tmpl) == "" {
		return nil, errors.New("exec radio needs a cmd= argument")
	}
	return &Command{template: tmpl, bufSize: bufferSamples * format.BytesPerSample()}, nil
}

func (c *Command) Configure(t Tuning) error {
	c.tuning = t
	return nil
}

func (c *Command) commandLine() []string {
	gain := "auto"
	if c.tuning.GainDB >= 0 {
		gain = strconv.FormatFloat(c.tuning.GainDB, 'f', -1, 64)
	}
	r := strings.NewReplacer(
		"{freq}", strconv.FormatFloat(c.tuning.CenterFreqHz, 'f', 0, 64),
		"{rate}", strconv.FormatFloat(c.tuning.SampleRate, 'f', 0, 64),
		"{gain}", gain,
		"{antenna}", c.tuning.Antenna,
	)
	return strings.Fields(r.Replace(c.template))
}

func (c *Command) Start() error {
	argv := c.commandLine()
	pr, pw, err := os.Pipe()
	if err != nil {
		return err
	}
	c.cmd = exec.Command(argv[0], argv[1:]...)
	c.cmd.Stdout = pw
	c.cmd.Stderr = os.Stderr
	glog.Infof("Running receiver: %q", c.cmd)
	if err := c.cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("unable to start receiver: %w", err)
	}
	pw.Close()

	r, err := newFDReader(int(pr.Fd()), c.bufSize)
	if err != nil {
		pr.Close()
		c.cmd.Process.Kill()
		return err
	}
	r.keep = pr
	c.r = r
	c.exited = make(chan error, 1)
	go func() { c.exited <- c.cmd.Wait() }()
	return nil
}

func (c *Command) Receive(timeout time.Duration) ([]byte, error) {
	if c.r == nil {
		return nil, errors.New("receiver not started")
	}
	buf, err := c.r.receive(timeout)
	if err != nil {
		select {
		case werr := <-c.exited:
			c.exited <- werr
			return nil, fmt.Errorf("receiver exited (%v): %w", werr, err)
		default:
		}
	}
	return buf, err
}

func (c *Command) Stop() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	_ = c.cmd.Process.Signal(unix.SIGTERM)
	select {
	case <-c.exited:
	case <-time.After(2 * time.Second):
		c.cmd.Process.Kill()
		<-c.exited
	}
	c.cmd = nil
	return nil
}

func (c *Command) Close() error {
	c.Stop()
	if c.r != nil {
		return c.r.close()
	}
	return nil
}
