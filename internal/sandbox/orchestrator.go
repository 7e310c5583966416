package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/pairroom/host/internal/errors"
	"github.com/pairroom/host/internal/filetree"
	"github.com/pairroom/host/internal/logging"
)

const (
	// processExitWait bounds how long cleanup waits for a terminated
	// process. It exceeds terminateGrace so SIGKILL has a chance to land.
	processExitWait = terminateGrace + 2*time.Second

	// stopWait bounds how long Stop waits for a run to finish cleanup.
	stopWait = processExitWait + 3*time.Second

	// teardownAttempts bounds how often Teardown re-stops a session whose
	// cleanup has not finished.
	teardownAttempts = 3

	// buildOutputLines is how much install output a build failure carries.
	buildOutputLines = 200
)

// Options configures an Orchestrator.
type Options struct {
	// Runtimes is the manifest table. Default: DefaultRuntimes()
	Runtimes []Runtime

	// OutputLines bounds the per-session output buffer. Default: 2000
	OutputLines int

	// ReadyTimeout bounds the wait for the start command to accept
	// connections. Default: 2 minutes
	ReadyTimeout time.Duration

	// Observer receives status changes and output. May be nil.
	Observer Observer
}

// Orchestrator owns at most one session per room.
type Orchestrator struct {
	provisioner Provisioner
	opts        Options
	observer    Observer
	log         zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	roomID string
	output *RingBuffer

	mu         sync.Mutex
	state      State
	errCode    string
	errMsg     string
	previewURL string
	port       int
	manifest   string
	stale      bool
	updatedAt  time.Time

	// gen increases whenever a run starts or is abandoned. A run goroutine
	// only touches the session while its generation is current.
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}

	// stopping is set while an abandoned run is still cleaning up. Runs
	// arriving in that window are no-ops.
	stopping bool

	// removed is set once Teardown forgets the session.
	removed bool
}

type nopObserver struct{}

func (nopObserver) StatusChanged(Status)          {}
func (nopObserver) Output(string, string, string) {}

// NewOrchestrator creates an orchestrator that provisions environments from p.
func NewOrchestrator(p Provisioner, opts Options) *Orchestrator {
	if len(opts.Runtimes) == 0 {
		opts.Runtimes = DefaultRuntimes()
	}
	if opts.OutputLines <= 0 {
		opts.OutputLines = 2000
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 2 * time.Minute
	}
	var obs Observer = nopObserver{}
	if opts.Observer != nil {
		obs = opts.Observer
	}
	return &Orchestrator{
		provisioner: p,
		opts:        opts,
		observer:    obs,
		log:         logging.Component("sandbox"),
		sessions:    make(map[string]*session),
	}
}

// SetObserver replaces the observer. It must be called before the first Run.
func (o *Orchestrator) SetObserver(obs Observer) {
	if obs == nil {
		obs = nopObserver{}
	}
	o.observer = obs
}

func (o *Orchestrator) session(roomID string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionLocked(roomID)
}

func (o *Orchestrator) sessionLocked(roomID string) *session {
	s, ok := o.sessions[roomID]
	if !ok {
		s = &session{
			roomID:    roomID,
			output:    NewRingBuffer(o.opts.OutputLines),
			state:     StateIdle,
			updatedAt: time.Now(),
		}
		o.sessions[roomID] = s
	}
	return s
}

// openSession is session for callers that may start processes. It returns
// nil once the orchestrator is closed.
func (o *Orchestrator) openSession(roomID string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	return o.sessionLocked(roomID)
}

func (o *Orchestrator) lookup(roomID string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[roomID]
}

// Run starts tree in a fresh environment and returns the resulting status.
//
// A run already mounting, installing or starting is left alone, as is a
// running session without a newer tree. A running session marked stale is
// stopped and remounted once its processes have exited, and a session that
// is being stopped ignores the request. A tree without a usable manifest
// moves the session to errored without spawning anything.
func (o *Orchestrator) Run(roomID string, tree filetree.Tree) Status {
	var s *session
	for {
		s = o.openSession(roomID)
		if s == nil {
			return Status{RoomID: roomID, State: StateStopped, UpdatedAt: time.Now()}
		}
		s.mu.Lock()
		if !s.removed {
			break
		}
		s.mu.Unlock()
	}

	if s.stopping || s.state.Busy() || (s.state == StateRunning && !s.stale) {
		st := s.status(false)
		s.mu.Unlock()
		return st
	}

	// The previous run's processes are gone before the next run spawns.
	if s.state == StateRunning || !s.settled() {
		if s.state == StateRunning {
			o.log.Info().Str("room", roomID).Msg("Remounting stale sandbox")
		}
		gen, done := s.abandon()
		s.mu.Unlock()
		if !waitDone(done, stopWait) {
			o.log.Warn().Str("room", roomID).Msg("Timed out waiting for previous sandbox cleanup")
		}
		s.mu.Lock()
		if s.gen != gen || s.removed {
			st := s.status(false)
			s.mu.Unlock()
			return st
		}
		s.stopping = false
	}
	defer s.mu.Unlock()

	s.gen++
	s.output.Clear()
	s.stale = false
	s.previewURL = ""
	s.port = 0
	s.errCode, s.errMsg = "", ""

	plan, err := DetectPlan(tree, o.opts.Runtimes)
	if err != nil {
		s.manifest = ""
		o.failLocked(s, err)
		return s.status(false)
	}
	s.manifest = plan.Manifest

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	o.setStateLocked(s, StateMounting)

	go o.run(ctx, cancel, done, s, s.gen, plan, tree.Clone())
	return s.status(false)
}

// abandon invalidates the current run, cancels it and marks the session
// stopping until whoever holds the returned generation clears it. The
// returned channel closes once the run has released its processes. The
// caller holds s.mu.
func (s *session) abandon() (uint64, chan struct{}) {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.stopping = true
	return s.gen, s.done
}

// settled reports whether no run goroutine still holds processes. The
// caller holds s.mu.
func (s *session) settled() bool {
	if s.done == nil {
		return true
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// run drives one generation from mounting to running. It owns the
// environment and processes and releases them when it returns.
func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, s *session, gen uint64, plan *Plan, tree filetree.Tree) {
	defer close(done)
	defer cancel()

	log := o.log.With().Str("room", s.roomID).Uint64("gen", gen).Logger()

	var (
		env   Environment
		procs []Process
	)
	defer func() {
		for _, p := range procs {
			if err := p.Terminate(); err != nil {
				log.Warn().Err(err).Str("process", p.Name()).Msg("Failed to terminate process")
			}
		}
		for _, p := range procs {
			if !waitDone(p.Done(), processExitWait) {
				log.Warn().Str("process", p.Name()).Msg("Process did not exit after kill")
			}
		}
		if env != nil {
			if err := env.Destroy(); err != nil {
				log.Warn().Err(err).Msg("Failed to destroy environment")
			}
		}
	}()

	env, err := o.provisioner.Provision(ctx, s.roomID)
	if err != nil {
		env = nil
		o.fail(s, gen, apperrors.MountFailed("", err))
		return
	}
	if err := env.Mount(ctx, tree); err != nil {
		if !apperrors.IsCode(err, apperrors.CodeSandboxMountFailed) {
			err = apperrors.MountFailed("", err)
		}
		o.fail(s, gen, err)
		return
	}

	if len(plan.Install) > 0 {
		if !o.transition(s, gen, StateInstalling) {
			return
		}
		log.Info().Strs("argv", plan.Install).Msg("Installing")
		proc, err := env.Spawn(ctx, "install", plan.Install, plan.Env)
		if err != nil {
			o.fail(s, gen, apperrors.BuildFailed(-1, err.Error()))
			return
		}
		procs = append(procs, proc)
		pumped := o.pump(s, gen, proc)

		code, werr := proc.Wait()
		<-pumped
		if ctx.Err() != nil {
			return
		}
		if code != 0 || werr != nil {
			tail := strings.Join(s.output.Tail(buildOutputLines), "\n")
			o.fail(s, gen, apperrors.BuildFailed(code, tail))
			return
		}
	}

	if !o.transition(s, gen, StateStarting) {
		return
	}
	log.Info().Strs("argv", plan.Start).Msg("Starting")
	proc, err := env.Spawn(ctx, "start", plan.Start, plan.Env)
	if err != nil {
		o.fail(s, gen, apperrors.StartFailed("could not spawn start command", err))
		return
	}
	procs = append(procs, proc)
	o.pump(s, gen, proc)

	type readyResult struct {
		ev  ReadyEvent
		err error
	}
	readyCtx, readyCancel := context.WithTimeout(ctx, o.opts.ReadyTimeout)
	defer readyCancel()
	readyCh := make(chan readyResult, 1)
	go func() {
		ev, err := env.AwaitReady(readyCtx)
		readyCh <- readyResult{ev, err}
	}()

	select {
	case r := <-readyCh:
		if ctx.Err() != nil {
			return
		}
		if r.err != nil {
			o.fail(s, gen, apperrors.StartFailed(
				fmt.Sprintf("app did not become ready within %s", o.opts.ReadyTimeout), r.err))
			return
		}
		if !o.setRunning(s, gen, r.ev) {
			return
		}
		log.Info().Str("url", r.ev.URL).Int("port", r.ev.Port).Msg("Sandbox running")
	case <-proc.Done():
		readyCancel()
		if ctx.Err() != nil {
			return
		}
		code, _ := proc.Wait()
		o.fail(s, gen, apperrors.StartFailed(
			fmt.Sprintf("process exited with code %d before becoming ready", code), nil))
		return
	case <-ctx.Done():
		return
	}

	select {
	case <-proc.Done():
		code, _ := proc.Wait()
		log.Info().Int("exit_code", code).Msg("Start process exited")
		o.transition(s, gen, StateStopped)
	case <-ctx.Done():
	}
}

// pump copies a process's output into the session buffer and the observer.
// The returned channel is closed once the output is drained.
func (o *Orchestrator) pump(s *session, gen uint64, proc Process) <-chan struct{} {
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		lines := &lineSplitter{rb: s.output}
		r := proc.Output().Reader()
		for {
			chunk, err := r.Next(context.Background())
			if err != nil {
				if s.current(gen) {
					lines.flush()
				}
				return
			}
			if !s.current(gen) {
				continue
			}
			lines.write(chunk)
			o.observer.Output(s.roomID, proc.Name(), chunk)
		}
	}()
	return drained
}

func (s *session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (o *Orchestrator) transition(s *session, gen uint64, state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	if state == StateStopped {
		s.previewURL = ""
		s.port = 0
	}
	o.setStateLocked(s, state)
	return true
}

func (o *Orchestrator) setRunning(s *session, gen uint64, ev ReadyEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.previewURL = ev.URL
	s.port = ev.Port
	o.setStateLocked(s, StateRunning)
	return true
}

func (o *Orchestrator) fail(s *session, gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	o.failLocked(s, err)
}

func (o *Orchestrator) failLocked(s *session, err error) {
	s.errCode, s.errMsg = apperrors.ToCodeAndMessage(err)
	o.log.Warn().Str("room", s.roomID).Str("code", s.errCode).Err(err).Msg("Sandbox run failed")
	o.setStateLocked(s, StateErrored)
}

// setStateLocked records a transition and notifies the observer while s.mu
// is held, so observers see transitions in order.
func (o *Orchestrator) setStateLocked(s *session, state State) {
	s.state = state
	s.updatedAt = time.Now()
	o.observer.StatusChanged(s.status(false))
}

func (s *session) status(withOutput bool) Status {
	st := Status{
		RoomID:     s.roomID,
		State:      s.state,
		ErrorCode:  s.errCode,
		Error:      s.errMsg,
		PreviewURL: s.previewURL,
		Port:       s.port,
		Manifest:   s.manifest,
		Stale:      s.stale,
		UpdatedAt:  s.updatedAt,
	}
	if withOutput {
		st.Output = s.output.Lines()
	}
	return st
}

// Stop ends the room's session from any state. Live processes are
// terminated and the environment destroyed before Stop returns, unless
// cleanup outlasts a bounded wait.
func (o *Orchestrator) Stop(roomID string) Status {
	return o.stop(o.session(roomID))
}

func (o *Orchestrator) stop(s *session) Status {
	s.mu.Lock()
	gen, done := s.abandon()
	s.mu.Unlock()

	if !waitDone(done, stopWait) {
		o.log.Warn().Str("room", s.roomID).Msg("Timed out waiting for sandbox cleanup")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.stopping = false
		s.previewURL = ""
		s.port = 0
		s.stale = false
		s.errCode, s.errMsg = "", ""
		o.setStateLocked(s, StateStopped)
	}
	return s.status(false)
}

// Teardown stops the room's session, if any, and forgets it. A run started
// by someone who joined while the teardown was in progress keeps the session.
func (o *Orchestrator) Teardown(roomID string) {
	for attempt := 0; ; attempt++ {
		s := o.lookup(roomID)
		if s == nil {
			return
		}
		o.stop(s)

		o.mu.Lock()
		s.mu.Lock()
		switch {
		case o.sessions[roomID] != s:
			// Another teardown got there first.
			s.mu.Unlock()
			o.mu.Unlock()
			return
		case s.stopping:
			// A later stop is still waiting on the run.
			s.mu.Unlock()
			o.mu.Unlock()
			continue
		case s.state.Live() && o.closed:
			s.mu.Unlock()
			o.mu.Unlock()
			continue
		case s.state.Live():
			s.mu.Unlock()
			o.mu.Unlock()
			o.log.Debug().Str("room", roomID).Msg("Sandbox restarted during teardown, keeping it")
			return
		case !s.settled() && attempt < teardownAttempts:
			s.mu.Unlock()
			o.mu.Unlock()
			continue
		}
		if !s.settled() {
			o.log.Warn().Str("room", roomID).Msg("Forgetting sandbox session before its cleanup finished")
		}
		s.removed = true
		delete(o.sessions, roomID)
		s.mu.Unlock()
		o.mu.Unlock()
		o.log.Debug().Str("room", roomID).Msg("Sandbox session torn down")
		return
	}
}

// MarkStale records that the room's tree changed after the live run
// mounted it. The next Run remounts.
func (o *Orchestrator) MarkStale(roomID string) {
	s := o.lookup(roomID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Live() || s.stale {
		return
	}
	s.stale = true
	s.updatedAt = time.Now()
	o.observer.StatusChanged(s.status(false))
}

// Status returns the room's session with its buffered output. Rooms that
// never ran report idle and false.
func (o *Orchestrator) Status(roomID string) (Status, bool) {
	s := o.lookup(roomID)
	if s == nil {
		return Status{RoomID: roomID, State: StateIdle}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status(true), true
}

// Close stops every session. Runs requested afterwards start nothing.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	rooms := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		rooms = append(rooms, id)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range rooms {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			o.Teardown(id)
		}(id)
	}
	wg.Wait()
}
