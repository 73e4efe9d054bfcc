package fuzz

import (
	"context"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/madkv/madkv-cli/pkg/kvapi"
	"github.com/madkv/madkv-cli/pkg/refcli"
	"github.com/madkv/madkv-cli/pkg/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeClient applies calls to a store when their responses are harvested,
// which always lies within the call's span.
type storeClient struct {
	store   *refcli.Store
	pending []kvapi.Call
	stopped bool

	// tamper, when set, rewrites responses before they are returned.
	tamper func(kvapi.Resp) kvapi.Resp
}

func (c *storeClient) SendCall(call kvapi.Call) error {
	c.pending = append(c.pending, call)
	return nil
}

func (c *storeClient) WaitResp(time.Duration) (kvapi.Resp, error) {
	if len(c.pending) == 0 {
		return kvapi.Resp{}, runner.ErrTimeout
	}
	call := c.pending[0]
	c.pending = c.pending[1:]

	resp := c.store.Apply(call)
	if c.tamper != nil {
		resp = c.tamper(resp)
	}
	return resp, nil
}

func (c *storeClient) Stop() error {
	c.stopped = true
	return nil
}

func sharedClients(n int) ([]runner.Client, []*storeClient) {
	store := refcli.NewStore()
	clients := make([]runner.Client, n)
	raw := make([]*storeClient, n)
	for i := range clients {
		raw[i] = &storeClient{store: store}
		clients[i] = raw[i]
	}
	return clients, raw
}

func TestValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Config{Clients: 1, Keys: 5, Ops: 1000}.Validate())
	assert.ErrorIs(t, Config{Clients: 0, Keys: 5, Ops: 1000}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{Clients: 1, Keys: 0, Ops: 1000}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{Clients: 1, Keys: MaxKeys, Ops: 1000}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{Clients: 1, Keys: 5, Ops: 999}.Validate(), ErrInvalidConfig)
}

func TestKeyPools(t *testing.T) {
	t.Parallel()

	random := NewRand(1)

	shared := KeyPools(Config{Clients: 2, Keys: 3, Conflict: true}, random)
	assert.Equal(t, [][]string{
		{"key00000", "key00001", "key00002"},
		{"key00000", "key00001", "key00002"},
	}, shared)

	alnum := regexp.MustCompile(`^[A-Za-z0-9]{8}$`)
	disjoint := KeyPools(Config{Clients: 2, Keys: 3}, random)
	require.Len(t, disjoint, 2)
	for _, pool := range disjoint {
		require.Len(t, pool, 3)
		for _, key := range pool {
			assert.Regexp(t, alnum, key)
		}
	}
}

func TestRunPassesOnConsistentStore(t *testing.T) {
	t.Parallel()

	cfg := Config{Clients: 3, Keys: 5, Ops: 300, Conflict: true}
	random := NewRand(42)
	keys := KeyPools(cfg, random)
	clients, raw := sharedClients(cfg.Clients)

	result, err := New(cfg, random, nil).Run(context.Background(), keys, clients)
	require.NoError(t, err)

	assert.Equal(t, Passed, result.Outcome)
	assert.Empty(t, result.Reason)
	assert.Less(t, result.Remaining, DefaultRemainThreshold)
	assert.Equal(t, cfg.Clients*cfg.Ops, result.Stats.Total())
	for _, c := range raw {
		assert.True(t, c.stopped)
	}

	freq := 0
	for _, perClient := range result.Stats.KeysFreq {
		for _, n := range perClient {
			freq += n
		}
	}
	// Scans touch two key slots.
	assert.Equal(t, result.Stats.Total()+result.Stats.Scan, freq)
}

func TestRunOverPipes(t *testing.T) {
	t.Parallel()

	cfg := Config{Clients: 2, Keys: 4, Ops: 200}
	random := NewRand(7)
	keys := KeyPools(cfg, random)

	// Disjoint pools, so a separate reference client per fuzzed client is
	// still consistent.
	clients := make([]runner.Client, cfg.Clients)
	for i := range clients {
		callsR, callsW := io.Pipe()
		respsR, respsW := io.Pipe()
		go func() {
			_ = refcli.Serve(context.Background(), callsR, respsW, nil)
			respsW.Close()
		}()
		clients[i] = runner.NewPipeClient(callsW, respsR)
	}

	result, err := New(cfg, random, nil).Run(context.Background(), keys, clients)
	require.NoError(t, err)
	assert.Equal(t, Passed, result.Outcome)
}

func TestRunDetectsBogusReads(t *testing.T) {
	t.Parallel()

	cfg := Config{Clients: 1, Keys: 3, Ops: 500, Conflict: true}
	random := NewRand(3)
	keys := KeyPools(cfg, random)
	clients, raw := sharedClients(cfg.Clients)
	raw[0].tamper = func(resp kvapi.Resp) kvapi.Resp {
		if resp.Op == kvapi.OpGet {
			resp.Value = kvapi.StringPtr("bogus")
		}
		return resp
	}

	result, err := New(cfg, random, nil).Run(context.Background(), keys, clients)
	require.NoError(t, err)
	assert.Equal(t, Failed, result.Outcome)
	assert.Contains(t, result.Reason, "consistency violation")
	assert.False(t, raw[0].stopped)
}

func TestRunFailsOnUnexpectedStop(t *testing.T) {
	t.Parallel()

	cfg := Config{Clients: 1, Keys: 3, Ops: 50, Conflict: true}
	random := NewRand(5)
	clients, raw := sharedClients(cfg.Clients)
	raw[0].tamper = func(kvapi.Resp) kvapi.Resp { return kvapi.Resp{Op: kvapi.OpStop} }

	result, err := New(cfg, random, nil).Run(context.Background(), KeyPools(cfg, random), clients)
	require.NoError(t, err)
	assert.Equal(t, Failed, result.Outcome)
	assert.Equal(t, "unexpected stop response", result.Reason)
}

func TestRunUnfairWhenChecksPileUp(t *testing.T) {
	t.Parallel()

	cfg := Config{Clients: 2, Keys: 3, Ops: 100, Conflict: true, RemainThreshold: 1}
	random := NewRand(9)
	clients, _ := sharedClients(cfg.Clients)

	result, err := New(cfg, random, nil).Run(context.Background(), KeyPools(cfg, random), clients)
	require.NoError(t, err)
	assert.Equal(t, Unfair, result.Outcome)
	assert.GreaterOrEqual(t, result.Remaining, 1)
}

func TestRunErrors(t *testing.T) {
	t.Parallel()

	random := NewRand(11)
	cfg := Config{Clients: 1, Keys: 2, Ops: 10, Conflict: true}
	keys := KeyPools(cfg, random)

	_, err := New(cfg, random, nil).Run(context.Background(), keys, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	clients, _ := sharedClients(1)
	_, err = New(cfg, random, nil).Run(ctx, keys, clients)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenBetween(t *testing.T) {
	t.Parallel()

	t.Run("GenBetween is non inclusive", func(t *testing.T) {
		t.Parallel()

		rand := NewRand(0)

		for i := 0; i < 1000; i++ {
			assert.Equal(t, uint64(0), rand.GenBetween(0, 1))
		}
	})

	t.Run("generates different values", func(t *testing.T) {
		t.Parallel()

		rand := NewRand(0)

		values := make(map[uint64]int)

		for i := 0; i < 1000; i++ {
			values[rand.GenBetween(0, 2)] = i
		}

		assert.Equal(t, 2, len(values))
	})

	t.Run("same seed, same sequence", func(t *testing.T) {
		t.Parallel()

		a, b := NewRand(17), NewRand(17)
		assert.Equal(t, a.GenString(16), b.GenString(16))
		assert.Equal(t, a.GenBetween(0, 1<<40), b.GenBetween(0, 1<<40))
	})
}
