// Package encoder runs the external H.264 encoder that turns raw frames
// into an RTSP stream. Frames are written to the encoder's stdin; its
// stderr is passed through.
package encoder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// Params describes the raw video written to the encoder.
type Params struct {
	// PixFmt is the encoder's name for the pixel layout, "yuv420p" or "nv12".
	PixFmt string
	Width  uint32
	Height uint32
}

// Size is the "WxH" form of the frame size.
func (p Params) Size() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// FrameSize is the number of bytes of one compact 4:2:0 frame.
func (p Params) FrameSize() int {
	return int(p.Width) * int(p.Height) * 3 / 2
}

// Config holds the encoder command line settings.
type Config struct {
	Binary string
	URL    string
	FPS    int
	GOP    int
	Preset string
	Tune   string
}

// DefaultConfig encodes x264 at 30 fps with a keyframe every 30 frames and
// pushes RTSP over TCP to a local media server.
func DefaultConfig() Config {
	return Config{
		Binary: "ffmpeg",
		URL:    "rtsp://127.0.0.1:8554/camera",
		FPS:    30,
		GOP:    30,
		Preset: "ultrafast",
		Tune:   "zerolatency",
	}
}

// Args returns the encoder arguments for p, without the binary name.
func (c Config) Args(p Params) []string {
	return []string{
		"-f", "rawvideo",
		"-pix_fmt", p.PixFmt,
		"-s", p.Size(),
		"-r", strconv.Itoa(c.FPS),
		"-i", "-",
		"-c:v", "libx264",
		"-preset", c.Preset,
		"-tune", c.Tune,
		"-g", strconv.Itoa(c.GOP),
		"-f", "rtsp",
		"-rtsp_transport", "tcp",
		c.URL,
	}
}

// Process is a running encoder. Close closes its input and waits for it to
// exit.
type Process interface {
	io.Writer
	Close() error
}

// A Spawner starts encoders.
type Spawner interface {
	Spawn(p Params) (Process, error)
}

// Exec spawns the encoder as a child process.
type Exec struct {
	Config Config
	// Stderr receives the child's stderr. Nil means os.Stderr.
	Stderr io.Writer
}

// NewExec returns a spawner for cfg.
func NewExec(cfg Config) *Exec {
	return &Exec{Config: cfg}
}

func (e *Exec) Spawn(p Params) (Process, error) {
	if p.Width == 0 || p.Height == 0 {
		return nil, fmt.Errorf("encoder: invalid size %s", p.Size())
	}
	cmd := exec.Command(e.Config.Binary, e.Config.Args(p)...)
	cmd.Stderr = e.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("encoder: start %s: %w", e.Config.Binary, err)
	}
	return &process{cmd: cmd, stdin: stdin}, nil
}

type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	once sync.Once
	err  error
}

func (p *process) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// Close closes stdin and reaps the child. An encoder that exits on its own
// with a non-zero status is reported, one killed by a signal is not.
func (p *process) Close() error {
	p.once.Do(func() {
		p.stdin.Close()
		err := p.cmd.Wait()
		var exit *exec.ExitError
		if errors.As(err, &exit) && exit.ExitCode() == -1 {
			err = nil
		}
		if err != nil {
			p.err = fmt.Errorf("encoder: %w", err)
		}
	})
	return p.err
}
