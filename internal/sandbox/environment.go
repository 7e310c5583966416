package sandbox

import (
	"context"

	"github.com/pairroom/host/internal/filetree"
)

// ReadyEvent is emitted by an environment once the started app accepts
// connections. URL becomes the session's preview address.
type ReadyEvent struct {
	Port int
	URL  string
}

// Provisioner creates a fresh environment for one run.
type Provisioner interface {
	Provision(ctx context.Context, roomID string) (Environment, error)
}

// Environment is an isolated place to materialize files and run commands.
type Environment interface {
	// Mount writes every file of tree. Invalid paths fail with a mount error.
	Mount(ctx context.Context, tree filetree.Tree) error
	// Spawn starts argv inside the environment with extra environment
	// variables. The process is terminated when ctx is canceled.
	Spawn(ctx context.Context, name string, argv []string, env map[string]string) (Process, error)
	// AwaitReady blocks until the app started in this environment is
	// reachable, or ctx ends.
	AwaitReady(ctx context.Context) (ReadyEvent, error)
	// Destroy removes the environment. It is safe to call more than once.
	Destroy() error
}

// Process is a command running inside an environment.
type Process interface {
	Name() string
	// Output is closed once the process has exited and its output drained.
	Output() *OutputStream
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Wait blocks until exit and returns the exit code (-1 if killed).
	Wait() (int, error)
	// Terminate asks the process to stop. It does not wait.
	Terminate() error
}
