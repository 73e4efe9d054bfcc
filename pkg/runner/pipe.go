package runner

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/madkv/madkv-cli/pkg/kvapi"
)

// PipeClient drives a client reachable through a writer for calls and a
// reader for responses. A dedicated goroutine owns both ends.
type PipeClient struct {
	calls chan kvapi.Call
	resps chan kvapi.Resp

	// done is closed when the driver exits; err is set before that.
	done chan struct{}
	err  error

	quit     chan struct{}
	quitOnce sync.Once

	// out is closed by Close when it can be, to unblock a pending read.
	out io.Reader
}

// NewPipeClient starts driving the client on the other side of in and out.
func NewPipeClient(in io.Writer, out io.Reader) *PipeClient {
	c := &PipeClient{
		calls: make(chan kvapi.Call, 64),
		resps: make(chan kvapi.Resp, 64),
		done:  make(chan struct{}),
		quit:  make(chan struct{}),
		out:   out,
	}
	go c.drive(in, out)
	return c
}

func (c *PipeClient) drive(in io.Writer, out io.Reader) {
	defer close(c.done)

	writer := bufio.NewWriter(in)
	reader := bufio.NewReader(out)

	for {
		var call kvapi.Call
		select {
		case call = <-c.calls:
		case <-c.quit:
			c.err = ErrChan
			return
		}

		if err := kvapi.WriteCall(writer, call); err != nil {
			c.err = fmt.Errorf("%w: %v", ErrIO, err)
			return
		}
		if err := writer.Flush(); err != nil {
			c.err = fmt.Errorf("%w: failed to flush call: %v", ErrIO, err)
			return
		}

		resp, err := kvapi.ReadResp(reader)
		if err != nil {
			select {
			case <-c.quit:
				c.err = ErrChan
				return
			default:
			}
			c.err = fmt.Errorf("%w: failed to read response to %s: %w", ErrIO, call.Op, err)
			return
		}

		select {
		case c.resps <- resp:
		case <-c.quit:
			c.err = ErrChan
			return
		}
	}
}

// SendCall queues call for the driver.
func (c *PipeClient) SendCall(call kvapi.Call) error {
	select {
	case c.calls <- call:
		return nil
	case <-c.done:
		return c.driverErr()
	}
}

// WaitResp waits for the next response.
func (c *PipeClient) WaitResp(timeout time.Duration) (kvapi.Resp, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case resp := <-c.resps:
		return resp, nil
	case <-c.done:
		// A response may have been queued right before the driver exited.
		select {
		case resp := <-c.resps:
			return resp, nil
		default:
		}
		return kvapi.Resp{}, c.driverErr()
	case <-timer:
		return kvapi.Resp{}, fmt.Errorf("after %s: %w", timeout, ErrTimeout)
	}
}

// Stop sends STOP, waits for its acknowledgement and shuts the driver down.
func (c *PipeClient) Stop() error {
	defer c.Close()

	if err := c.SendCall(kvapi.Stop()); err != nil {
		return err
	}
	resp, err := c.WaitResp(StopTimeout)
	if err != nil {
		return err
	}
	if resp.Op != kvapi.OpStop {
		return fmt.Errorf("%w: expecting STOP, got %s", ErrUnexpectedResp, resp.Op)
	}
	return nil
}

// Close shuts the driver down without talking to the client. If the
// response reader is an io.Closer it is closed too, so a driver blocked on a
// client that never answers exits; otherwise the caller must close it.
func (c *PipeClient) Close() {
	c.quitOnce.Do(func() {
		close(c.quit)
		if closer, ok := c.out.(io.Closer); ok {
			_ = closer.Close()
		}
	})
}

func (c *PipeClient) driverErr() error {
	<-c.done
	if c.err == nil {
		return ErrChan
	}
	return c.err
}
