package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/tidwall/sjson"
	"golang.org/x/sys/unix"

	"github.com/junyeong-ai/symora-sub000/internal/config"
)

// Client-side tuning.
const (
	// callTimeout bounds one client call; the daemon's own 120s budget
	// governs slow server work, this only guards a wedged daemon.
	callTimeout = 30 * time.Second

	// startupWait is how long a freshly spawned daemon gets to bind.
	startupWait = 10 * time.Second

	// startupPoll is the ping interval while waiting for startup.
	startupPoll = 100 * time.Millisecond

	// stopWait is how long Shutdown waits for the socket to disappear.
	stopWait = 5 * time.Second
)

// Client talks to the daemon over its unix socket, starting it on demand.
// Every call opens a fresh connection; the daemon is the long-lived side.
type Client struct {
	rt  *config.Runtime
	log *logrus.Entry

	// exe is the binary to spawn for auto-start, normally the current
	// executable.
	exe string
}

// NewClient creates a daemon client that auto-starts exe.
func NewClient(rt *config.Runtime, exe string, log *logrus.Entry) *Client {
	return &Client{rt: rt, exe: exe, log: log.WithField("component", "daemon-client")}
}

// Call invokes method with params and decodes the result.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	sock, err := net.Dial("unix", c.rt.SocketPath())
	if err != nil {
		return fmt.Errorf("dial daemon: %w", err)
	}
	stream := jsonrpc2.NewBufferedStream(sock, jsonrpc2.PlainObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, noopHandler{})
	defer conn.Close()

	if err := conn.Call(ctx, method, params, result); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// CallProject injects the project root into params and invokes method.
func (c *Client) CallProject(ctx context.Context, project, method string, params, result any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	data, err = sjson.SetBytes(data, "project", project)
	if err != nil {
		return fmt.Errorf("set project param: %w", err)
	}
	return c.Call(ctx, method, json.RawMessage(data), result)
}

// Ping reports whether a daemon answers on the socket.
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var reply string
	return c.Call(ctx, MethodPing, nil, &reply) == nil && reply == "pong"
}

// EnsureRunning pings the daemon and spawns one when nothing answers.
// A file lock serializes racing CLI invocations so only one of them
// spawns; the rest observe the winner's daemon on the re-ping.
func (c *Client) EnsureRunning(ctx context.Context) error {
	if c.Ping(ctx) {
		return nil
	}

	if err := os.MkdirAll(c.rt.Daemon.StateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	lock, err := os.OpenFile(c.rt.LockPath(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open start lock: %w", err)
	}
	defer lock.Close()

	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("acquire start lock: %w", err)
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)

	// Another invocation may have started it while we waited.
	if c.Ping(ctx) {
		return nil
	}

	c.log.Info("starting daemon")
	cmd := exec.Command(c.exe, "daemon", "start")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = detachedProcAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}
	// The daemon outlives this process; don't reap it.
	_ = cmd.Process.Release()

	deadline := time.Now().Add(startupWait)
	for time.Now().Before(deadline) {
		if c.Ping(ctx) {
			return nil
		}
		select {
		case <-time.After(startupPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("daemon did not come up within %s", startupWait)
}

// Status fetches the daemon's self-report.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var status StatusResult
	if err := c.Call(ctx, MethodStatus, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Shutdown asks the daemon to stop and waits for the socket to vanish.
func (c *Client) Shutdown(ctx context.Context) error {
	var reply string
	if err := c.Call(ctx, MethodShutdown, nil, &reply); err != nil {
		return err
	}

	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(c.rt.SocketPath()); os.IsNotExist(err) {
			return nil
		}
		time.Sleep(startupPoll)
	}
	return fmt.Errorf("daemon socket still present after %s", stopWait)
}

// noopHandler ignores server-pushed messages; the daemon never sends any.
type noopHandler struct{}

func (noopHandler) Handle(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) {}
