// Package runner launches KV server and client processes and drives clients
// through the kvapi workload protocol.
package runner

import (
	"errors"
	"fmt"
	"time"

	"github.com/madkv/madkv-cli/pkg/kvapi"
	"github.com/mattn/go-shellwords"
)

var (
	// ErrIO is wrapped by failures talking to a process.
	ErrIO = errors.New("io error")

	// ErrChan is returned once a client's driver has shut down.
	ErrChan = errors.New("chan error")

	// ErrTimeout is returned when a response does not arrive in time.
	ErrTimeout = errors.New("timed out waiting for response")

	// ErrUnexpectedResp is returned when STOP is not acknowledged with STOP.
	ErrUnexpectedResp = errors.New("unexpected response")
)

// StopTimeout bounds how long Stop waits for the STOP acknowledgement.
const StopTimeout = 10 * time.Second

// Client is a KV client driven through the workload protocol. Calls and
// responses are matched in order.
type Client interface {
	// SendCall queues a call for the client.
	SendCall(call kvapi.Call) error

	// WaitResp waits for the next response. A non-positive timeout waits forever.
	WaitResp(timeout time.Duration) (kvapi.Resp, error)

	// Stop asks the client to stop and releases its resources.
	Stop() error
}

// ParseCommand splits a shell-like command line into argv.
func ParseCommand(line string) ([]string, error) {
	args, err := shellwords.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command %q: %w", line, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("failed to parse command %q: empty command", line)
	}
	return args, nil
}
