// Package backend launches and supervises the pool of browser server
// processes that the proxy multiplexes clients onto.
package backend

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Backend is one live browser server.
type Backend interface {
	// Endpoint is the browser's websocket automation URL.
	Endpoint() string
	// Done is closed when the browser process exits, cleanly or not.
	Done() <-chan struct{}
	Close() error
}

// Launcher starts browser servers. Tests substitute a fake.
type Launcher interface {
	Launch(ctx context.Context) (Backend, error)
}

// ProcessLauncher starts a real browser binary and reads its DevTools
// websocket endpoint off stderr.
type ProcessLauncher struct {
	ExecPath         string
	Headless         bool
	HandshakeTimeout time.Duration

	log zerolog.Logger
}

func NewProcessLauncher(log zerolog.Logger, execPath string, headless bool, handshakeTimeout time.Duration) *ProcessLauncher {
	return &ProcessLauncher{
		ExecPath:         execPath,
		Headless:         headless,
		HandshakeTimeout: handshakeTimeout,
		log:              log.With().Str("component", "launcher").Logger(),
	}
}

const devtoolsBanner = "DevTools listening on "

func (l *ProcessLauncher) Launch(ctx context.Context) (Backend, error) {
	dataDir, err := os.MkdirTemp("", "roverfox-browser-*")
	if err != nil {
		return nil, fmt.Errorf("create browser data dir: %w", err)
	}

	args := []string{
		"--remote-debugging-port=0",
		"--remote-debugging-address=127.0.0.1",
		"--user-data-dir=" + dataDir,
		"--no-first-run",
		"--no-default-browser-check",
	}
	if l.Headless {
		args = append(args, "--headless=new")
	}

	cmd := exec.Command(l.ExecPath, args...)
	cmd.Env = os.Environ()
	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("start browser: %w", err)
	}

	endpointCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if i := strings.Index(line, devtoolsBanner); i >= 0 {
				endpointCh <- strings.TrimSpace(line[i+len(devtoolsBanner):])
				break
			}
		}
		// Keep draining so the child never blocks on a full pipe.
		for scanner.Scan() {
		}
	}()

	b := &processBackend{
		cmd:     cmd,
		dataDir: dataDir,
		done:    make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		os.RemoveAll(dataDir)
		close(b.done)
	}()

	timeout := l.HandshakeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case endpoint := <-endpointCh:
		b.endpoint = endpoint
		l.log.Info().Str("endpoint", endpoint).Int("pid", cmd.Process.Pid).Msg("browser server started")
		return b, nil
	case <-b.done:
		return nil, fmt.Errorf("browser exited before announcing endpoint")
	case <-time.After(timeout):
		_ = b.Close()
		return nil, fmt.Errorf("browser did not announce endpoint within %s", timeout)
	case <-ctx.Done():
		_ = b.Close()
		return nil, ctx.Err()
	}
}

type processBackend struct {
	endpoint string
	dataDir  string
	cmd      *exec.Cmd
	done     chan struct{}
}

func (b *processBackend) Endpoint() string      { return b.endpoint }
func (b *processBackend) Done() <-chan struct{} { return b.done }

func (b *processBackend) Close() error {
	if b.cmd.Process == nil {
		return nil
	}
	_ = b.cmd.Process.Kill()
	<-b.done
	return nil
}
