package sandbox

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pairroom/host/internal/filetree"
)

// fakeProcess exits when told to or, after exitDelay, when terminated.
type fakeProcess struct {
	name       string
	argv       []string
	out        *OutputStream
	done       chan struct{}
	once       sync.Once
	code       int
	terminated atomic.Bool
	exitDelay  time.Duration
}

func newFakeProcess(name string, argv []string) *fakeProcess {
	return &fakeProcess{name: name, argv: argv, out: NewOutputStream(0), done: make(chan struct{})}
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		p.out.Close()
		close(p.done)
	})
}

func (p *fakeProcess) Name() string          { return p.name }
func (p *fakeProcess) Output() *OutputStream { return p.out }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)
	if p.exitDelay > 0 {
		time.AfterFunc(p.exitDelay, func() { p.exit(-1) })
		return nil
	}
	p.exit(-1)
	return nil
}

func (p *fakeProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// fakeEnv runs a script for every spawned process.
type fakeEnv struct {
	mu        sync.Mutex
	mounted   filetree.Tree
	procs     []*fakeProcess
	mountErr  error
	ready     chan ReadyEvent
	destroyed atomic.Bool
	onSpawn   func(p *fakeProcess)
	exitDelay time.Duration
}

func (e *fakeEnv) Mount(ctx context.Context, tree filetree.Tree) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mountErr != nil {
		return e.mountErr
	}
	e.mounted = tree.Clone()
	return nil
}

func (e *fakeEnv) Spawn(ctx context.Context, name string, argv []string, env map[string]string) (Process, error) {
	p := newFakeProcess(name, argv)
	e.mu.Lock()
	p.exitDelay = e.exitDelay
	e.procs = append(e.procs, p)
	script := e.onSpawn
	e.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Terminate()
		case <-p.done:
		}
	}()
	if script != nil {
		script(p)
	}
	return p, nil
}

func (e *fakeEnv) AwaitReady(ctx context.Context) (ReadyEvent, error) {
	select {
	case ev := <-e.ready:
		return ev, nil
	case <-ctx.Done():
		return ReadyEvent{}, ctx.Err()
	}
}

func (e *fakeEnv) Destroy() error {
	e.destroyed.Store(true)
	return nil
}

func (e *fakeEnv) spawned() []*fakeProcess {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeProcess(nil), e.procs...)
}

func (e *fakeEnv) process(name string) *fakeProcess {
	for _, p := range e.spawned() {
		if p.name == name {
			return p
		}
	}
	return nil
}

func (e *fakeEnv) tree() filetree.Tree {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mounted
}

// fakeProvisioner hands out environments configured by setup.
type fakeProvisioner struct {
	mu    sync.Mutex
	envs  []*fakeEnv
	setup func(e *fakeEnv)
}

func (p *fakeProvisioner) Provision(ctx context.Context, roomID string) (Environment, error) {
	e := &fakeEnv{ready: make(chan ReadyEvent, 1)}
	p.mu.Lock()
	setup := p.setup
	p.envs = append(p.envs, e)
	p.mu.Unlock()
	if setup != nil {
		setup(e)
	}
	return e, nil
}

func (p *fakeProvisioner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.envs)
}

func (p *fakeProvisioner) env(i int) *fakeEnv {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.envs) {
		return nil
	}
	return p.envs[i]
}

// live returns the processes, across every environment, that have not
// exited.
func (p *fakeProvisioner) live() []*fakeProcess {
	p.mu.Lock()
	envs := append([]*fakeEnv(nil), p.envs...)
	p.mu.Unlock()
	var out []*fakeProcess
	for _, e := range envs {
		for _, proc := range e.spawned() {
			if !proc.exited() {
				out = append(out, proc)
			}
		}
	}
	return out
}

// recorder collects observer callbacks.
type recorder struct {
	mu       sync.Mutex
	statuses []Status
	chunks   []string
}

func (r *recorder) StatusChanged(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
}

func (r *recorder) Output(roomID, process, chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, process+":"+chunk)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.statuses))
	for i, st := range r.statuses {
		out[i] = st.State
	}
	return out
}

func waitForState(t *testing.T, o *Orchestrator, roomID string, want State) Status {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		st, _ := o.Status(roomID)
		if st.State == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s (%s), want %s", st.State, st.Error, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
