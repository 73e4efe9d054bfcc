package runner

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StartClients launches n copies of the client command concurrently. If any
// launch fails, the ones already started are killed.
func StartClients(ctx context.Context, n int, argv []string, logger *zap.Logger) ([]*ClientProc, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: need at least one client, got %d", ErrIO, n)
	}

	procs := make([]*ClientProc, n)
	g, ctx := errgroup.WithContext(ctx)
	for i := range procs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			proc, err := NewClientProc(argv, logger)
			if err != nil {
				return err
			}
			procs[i] = proc
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, proc := range procs {
			if proc != nil {
				proc.Kill()
			}
		}
		return nil, err
	}
	return procs, nil
}

// AsClients widens procs to the Client interface.
func AsClients(procs []*ClientProc) []Client {
	clients := make([]Client, len(procs))
	for i, proc := range procs {
		clients[i] = proc
	}
	return clients
}
