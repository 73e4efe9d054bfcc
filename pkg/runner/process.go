package runner

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"

	"go.uber.org/zap"
)

// ServerProc is a handle to a running KV server process. The process is
// reaped by a single goroutine; Wait and Stop observe its exit.
type ServerProc struct {
	cmd    *exec.Cmd
	logger *zap.Logger

	// done is closed once the process has been reaped; err is set before that.
	done    chan struct{}
	err     error
	stopped atomic.Bool
}

// NewServerProc starts the server command argv. Its output goes to ours.
func NewServerProc(argv []string, logger *zap.Logger) (*ServerProc, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty server command", ErrIO)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start server %v: %v", ErrIO, argv, err)
	}

	logger.Info("server launched", zap.Strings("command", argv), zap.Int("pid", cmd.Process.Pid))
	s := &ServerProc{cmd: cmd, logger: logger, done: make(chan struct{})}
	go func() {
		s.err = cmd.Wait()
		close(s.done)
	}()
	return s, nil
}

// Wait blocks until the server exits. An exit caused by Stop is not an error.
func (s *ServerProc) Wait() error {
	<-s.done
	if s.err != nil && !s.stopped.Load() {
		return fmt.Errorf("%w: server exited: %v", ErrIO, s.err)
	}
	return nil
}

// Stop kills the server process and waits for it to be reaped. It is safe to
// call concurrently with Wait.
func (s *ServerProc) Stop() error {
	s.stopped.Store(true)
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("%w: failed to kill server: %v", ErrIO, err)
	}
	<-s.done
	s.logger.Info("server stopped", zap.Int("pid", s.cmd.Process.Pid))
	return nil
}

// ClientProc is a KV client process driven over its stdin and stdout.
type ClientProc struct {
	*PipeClient
	cmd    *exec.Cmd
	logger *zap.Logger
}

// NewClientProc starts the client command argv and begins driving it.
func NewClientProc(argv []string, logger *zap.Logger) (*ClientProc, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty client command", ErrIO)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open client stdin: %v", ErrIO, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open client stdout: %v", ErrIO, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start client %v: %v", ErrIO, argv, err)
	}

	logger.Debug("client launched", zap.Strings("command", argv), zap.Int("pid", cmd.Process.Pid))
	return &ClientProc{
		PipeClient: NewPipeClient(stdin, stdout),
		cmd:        cmd,
		logger:     logger,
	}, nil
}

// Stop sends STOP to the client, then kills it to be sure.
func (c *ClientProc) Stop() error {
	stopErr := c.PipeClient.Stop()

	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("%w: failed to kill client: %v", ErrIO, err)
	}
	_ = c.cmd.Wait()

	c.logger.Debug("client stopped", zap.Int("pid", c.cmd.Process.Pid))
	return stopErr
}

// Kill terminates the client without the STOP handshake.
func (c *ClientProc) Kill() {
	c.PipeClient.Close()
	_ = c.cmd.Process.Kill()
	_ = c.cmd.Wait()
}
