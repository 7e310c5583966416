package sandbox

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	apperrors "github.com/pairroom/host/internal/errors"
	"github.com/pairroom/host/internal/filetree"
)

func newLocalEnv(t *testing.T) *localEnv {
	t.Helper()
	p := &LocalProvisioner{BaseDir: t.TempDir(), PreviewHost: "sandbox.local"}
	env, err := p.Provision(context.Background(), "room")
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	t.Cleanup(func() { env.Destroy() })
	return env.(*localEnv)
}

func TestLocalMount(t *testing.T) {
	env := newLocalEnv(t)
	tree := filetree.Tree{
		"package.json":     "{}",
		"src/lib/util.js":  "module.exports = 1",
		`public\index.htm`: "<p>hi</p>",
	}
	if err := env.Mount(context.Background(), tree); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	for _, rel := range []string{"package.json", "src/lib/util.js", "public/index.htm"} {
		if _, err := os.Stat(filepath.Join(env.dir, filepath.FromSlash(rel))); err != nil {
			t.Errorf("%s not written: %v", rel, err)
		}
	}
}

func TestLocalMount_RejectsEscapingPaths(t *testing.T) {
	for _, bad := range []string{"../outside.txt", "/etc/passwd", "a/../../b", ""} {
		t.Run(bad, func(t *testing.T) {
			env := newLocalEnv(t)
			err := env.Mount(context.Background(), filetree.Tree{"ok.txt": "x", bad: "y"})
			if !apperrors.IsCode(err, apperrors.CodeSandboxMountFailed) {
				t.Fatalf("Mount error = %v, want mount_failed", err)
			}
			if _, err := os.Stat(filepath.Join(env.dir, "ok.txt")); !os.IsNotExist(err) {
				t.Error("no file should be written when a path is invalid")
			}
		})
	}
}

func TestLocalAwaitReady(t *testing.T) {
	env := newLocalEnv(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	env.port = l.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev, err := env.AwaitReady(ctx)
	if err != nil {
		t.Fatalf("AwaitReady failed: %v", err)
	}
	if ev.Port != env.port || !strings.HasPrefix(ev.URL, "http://sandbox.local:") {
		t.Errorf("ReadyEvent = %+v", ev)
	}
}

func TestLocalAwaitReady_ContextEnds(t *testing.T) {
	env := newLocalEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := env.AwaitReady(ctx); err == nil {
		t.Fatal("AwaitReady should fail when nothing listens")
	}
}

func TestLocalSpawn(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a unix PTY")
	}
	env := newLocalEnv(t)
	proc, err := env.Spawn(context.Background(), "install", []string{"sh", "-c", "echo port=$PORT; exit 3"}, nil)
	if err != nil {
		t.Skipf("PTY unavailable: %v", err)
	}
	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if !proc.Output().Closed() {
		t.Error("output should be closed after exit")
	}
	if out := proc.Output().String(); !strings.Contains(out, "port=") {
		t.Errorf("output = %q", out)
	}
}

func TestLocalSpawn_ContextTerminates(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a unix PTY")
	}
	env := newLocalEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	proc, err := env.Spawn(ctx, "start", []string{"sleep", "30"}, nil)
	if err != nil {
		t.Skipf("PTY unavailable: %v", err)
	}
	cancel()
	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process not terminated after context cancel")
	}
}
