package runner

import (
	"context"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/madkv/madkv-cli/pkg/kvapi"
	"github.com/madkv/madkv-cli/pkg/refcli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRefClient connects a PipeClient to an in-process reference client.
func newRefClient(t *testing.T) *PipeClient {
	t.Helper()

	callsR, callsW := io.Pipe()
	respsR, respsW := io.Pipe()

	go func() {
		_ = refcli.Serve(context.Background(), callsR, respsW, nil)
		respsW.Close()
	}()

	return NewPipeClient(callsW, respsR)
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	argv, err := ParseCommand(`just p1::client "127.0.0.1:3777"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"just", "p1::client", "127.0.0.1:3777"}, argv)

	_, err = ParseCommand("   ")
	assert.Error(t, err)

	_, err = ParseCommand(`just "unterminated`)
	assert.Error(t, err)
}

func TestPipeClient(t *testing.T) {
	t.Parallel()

	client := newRefClient(t)

	require.NoError(t, client.SendCall(kvapi.Put("k", "v")))
	resp, err := client.WaitResp(time.Second)
	require.NoError(t, err)
	assert.Equal(t, kvapi.Resp{Op: kvapi.OpPut, Key: "k", Found: false}, resp)

	// Several calls in flight are answered in order.
	require.NoError(t, client.SendCall(kvapi.Get("k")))
	require.NoError(t, client.SendCall(kvapi.Delete("k")))

	resp, err = client.WaitResp(time.Second)
	require.NoError(t, err)
	assert.Equal(t, kvapi.Resp{Op: kvapi.OpGet, Key: "k", Value: kvapi.StringPtr("v")}, resp)

	resp, err = client.WaitResp(time.Second)
	require.NoError(t, err)
	assert.Equal(t, kvapi.Resp{Op: kvapi.OpDelete, Key: "k", Found: true}, resp)

	require.NoError(t, client.Stop())

	<-client.done
	_, err = client.WaitResp(time.Second)
	assert.ErrorIs(t, err, ErrChan)
}

func TestPipeClientTimeout(t *testing.T) {
	t.Parallel()

	// The other side reads calls but never answers.
	callsR, callsW := io.Pipe()
	go io.Copy(io.Discard, callsR)
	respsR, _ := io.Pipe()

	client := NewPipeClient(callsW, respsR)

	require.NoError(t, client.SendCall(kvapi.Get("k")))

	_, err := client.WaitResp(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	// Closing releases the driver stuck reading the silent peer.
	client.Close()
	select {
	case <-client.done:
	case <-time.After(time.Second):
		t.Fatal("driver still blocked after Close")
	}
	_, err = client.WaitResp(time.Second)
	assert.ErrorIs(t, err, ErrChan)
}

func TestPipeClientBrokenOutput(t *testing.T) {
	t.Parallel()

	callsR, callsW := io.Pipe()
	respsR, respsW := io.Pipe()

	go func() {
		buf := make([]byte, 64)
		_, _ = callsR.Read(buf)
		_, _ = respsW.Write([]byte("GARBAGE\n"))
	}()

	client := NewPipeClient(callsW, respsR)
	defer client.Close()

	require.NoError(t, client.SendCall(kvapi.Get("k")))

	_, err := client.WaitResp(time.Second)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, kvapi.ErrParse)
}

func TestClientProc(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	script := `read line; echo "GET k null"; read line; echo STOP`
	client, err := NewClientProc([]string{"sh", "-c", script}, nil)
	require.NoError(t, err)

	require.NoError(t, client.SendCall(kvapi.Get("k")))
	resp, err := client.WaitResp(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, kvapi.Resp{Op: kvapi.OpGet, Key: "k"}, resp)

	assert.NoError(t, client.Stop())
}

func TestServerProc(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	server, err := NewServerProc([]string{"sleep", "30"}, nil)
	require.NoError(t, err)

	// Stop from another goroutine while Wait is blocked, as on Ctrl-C.
	waited := make(chan error, 1)
	go func() { waited <- server.Wait() }()
	time.Sleep(20 * time.Millisecond)

	assert.NoError(t, server.Stop())
	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Stop")
	}
	assert.NoError(t, server.Wait())

	exited, err := NewServerProc([]string{"sh", "-c", "exit 3"}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, exited.Wait(), ErrIO)

	_, err = NewServerProc(nil, nil)
	assert.ErrorIs(t, err, ErrIO)
}

func TestStartClients(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	procs, err := StartClients(context.Background(), 3, []string{"sleep", "30"}, nil)
	require.NoError(t, err)
	require.Len(t, procs, 3)
	assert.Len(t, AsClients(procs), 3)
	for _, proc := range procs {
		proc.Kill()
	}

	_, err = StartClients(context.Background(), 0, []string{"sleep", "30"}, nil)
	assert.ErrorIs(t, err, ErrIO)

	_, err = StartClients(context.Background(), 2, []string{"/nonexistent/madkv-client"}, nil)
	assert.ErrorIs(t, err, ErrIO)
}
