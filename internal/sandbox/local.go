package sandbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/creack/pty"

	apperrors "github.com/pairroom/host/internal/errors"
	"github.com/pairroom/host/internal/filetree"
	"github.com/pairroom/host/internal/logging"
)

// terminateGrace is how long a process gets between SIGTERM and SIGKILL.
const terminateGrace = 5 * time.Second

// LocalProvisioner runs each environment in a fresh temporary directory on
// this machine. Processes are attached to a PTY so tools that check for a
// terminal behave as they would interactively.
type LocalProvisioner struct {
	// BaseDir holds the per-run directories. Empty means os.TempDir().
	BaseDir string

	// PreviewHost is placed in preview URLs. Default: localhost
	PreviewHost string

	// ProbeHost is dialed to detect readiness. Default: 127.0.0.1
	ProbeHost string

	// Env is added to every spawned process.
	Env map[string]string
}

// Provision creates a directory and reserves a port for the app.
func (p *LocalProvisioner) Provision(ctx context.Context, roomID string) (Environment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.BaseDir != "" {
		if err := os.MkdirAll(p.BaseDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create sandbox base dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(p.BaseDir, "pairroom-"+roomID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox dir: %w", err)
	}

	port, err := freePort()
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	previewHost := p.PreviewHost
	if previewHost == "" {
		previewHost = "localhost"
	}
	probeHost := p.ProbeHost
	if probeHost == "" {
		probeHost = "127.0.0.1"
	}

	log := logging.Component("sandbox")
	log.Debug().
		Str("room", roomID).Str("dir", dir).Int("port", port).
		Msg("Provisioned local environment")

	return &localEnv{
		dir:         dir,
		port:        port,
		previewHost: previewHost,
		probeHost:   probeHost,
		env:         p.Env,
	}, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to reserve port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

type localEnv struct {
	dir         string
	port        int
	previewHost string
	probeHost   string
	env         map[string]string

	destroyOnce sync.Once
}

// Mount writes tree under the environment directory. Paths are validated
// before anything is written.
func (e *localEnv) Mount(ctx context.Context, tree filetree.Tree) error {
	clean := make(map[string]string, len(tree))
	for p, contents := range tree {
		cp, err := filetree.CleanPath(p)
		if err != nil {
			return apperrors.MountFailed(p, err)
		}
		clean[cp] = contents
	}

	for p, contents := range clean {
		if err := ctx.Err(); err != nil {
			return err
		}
		full := filepath.Join(e.dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return apperrors.MountFailed(p, err)
		}
		if err := os.WriteFile(full, []byte(contents), 0644); err != nil {
			return apperrors.MountFailed(p, err)
		}
	}
	return nil
}

func (e *localEnv) Spawn(ctx context.Context, name string, argv []string, env map[string]string) (Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%s: empty command", name)
	}

	// Not CommandContext: cancellation goes through Terminate so the whole
	// process group is signaled, not only the direct child.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = e.dir
	cmd.Env = append(os.Environ(), "PORT="+strconv.Itoa(e.port))
	for k, v := range e.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// pty.Start makes the child a session leader, so its pid is also the
	// process group id used by Terminate.
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	p := &localProcess{
		name:       name,
		cmd:        cmd,
		ptmx:       ptmx,
		output:     NewOutputStream(0),
		done:       make(chan struct{}),
		outputDone: make(chan struct{}),
	}
	go p.captureOutput()
	go p.waitForExit()
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Terminate()
		case <-p.done:
		}
	}()
	return p, nil
}

// AwaitReady polls the reserved port until something accepts a connection.
func (e *localEnv) AwaitReady(ctx context.Context) (ReadyEvent, error) {
	addr := net.JoinHostPort(e.probeHost, strconv.Itoa(e.port))
	dial := func() error {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			return err
		}
		conn.Close()
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	if err := backoff.Retry(dial, backoff.WithContext(b, ctx)); err != nil {
		if ctx.Err() != nil {
			return ReadyEvent{}, ctx.Err()
		}
		return ReadyEvent{}, err
	}
	return ReadyEvent{
		Port: e.port,
		URL:  fmt.Sprintf("http://%s", net.JoinHostPort(e.previewHost, strconv.Itoa(e.port))),
	}, nil
}

func (e *localEnv) Destroy() error {
	var err error
	e.destroyOnce.Do(func() {
		err = os.RemoveAll(e.dir)
	})
	return err
}

type localProcess struct {
	name   string
	cmd    *exec.Cmd
	ptmx   *os.File
	output *OutputStream

	done       chan struct{}
	outputDone chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

func (p *localProcess) Name() string          { return p.name }
func (p *localProcess) Output() *OutputStream { return p.output }
func (p *localProcess) Done() <-chan struct{} { return p.done }

func (p *localProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.waitErr
}

// captureOutput reads the PTY in chunks of up to 4KB. Reads return as soon
// as data is available, so partial lines are forwarded without waiting for
// a newline.
func (p *localProcess) captureOutput() {
	defer close(p.outputDone)
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			_, _ = p.output.Write(buf[:n])
		}
		if err != nil {
			// Linux reports EIO on the master once the child side closes.
			return
		}
	}
}

func (p *localProcess) waitForExit() {
	err := p.cmd.Wait()

	// A background grandchild can keep the PTY open after the direct child
	// exits; do not wait on it forever.
	select {
	case <-p.outputDone:
	case <-time.After(2 * time.Second):
	}
	p.ptmx.Close()
	p.output.Close()

	p.mu.Lock()
	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	if _, ok := err.(*exec.ExitError); !ok {
		p.waitErr = err
	}
	p.mu.Unlock()

	close(p.done)
}

// Terminate sends SIGTERM to the process group and escalates to SIGKILL if
// it is still alive after terminateGrace.
func (p *localProcess) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if p.cmd.Process == nil {
		return nil
	}
	pid := p.cmd.Process.Pid
	if err := signalGroup(pid, false); err != nil {
		return err
	}
	go func() {
		select {
		case <-p.done:
		case <-time.After(terminateGrace):
			_ = signalGroup(pid, true)
		}
	}()
	return nil
}

var _ io.Writer = (*OutputStream)(nil)
