// Package refcli is a reference KV client speaking the workload protocol over
// a local ordered map. It exercises the workload tools without a real server.
package refcli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/btree"
	"github.com/madkv/madkv-cli/pkg/kvapi"
	"go.uber.org/zap"
)

type item struct {
	key   string
	value string
}

func lessItem(a, b item) bool {
	return a.key < b.key
}

// Store is an ordered, non-replicated key-value map.
type Store struct {
	tree *btree.BTreeG[item]
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{tree: btree.NewG(32, lessItem)}
}

// Len returns the number of keys in the store.
func (s *Store) Len() int {
	return s.tree.Len()
}

// Apply executes call against the store and returns its response.
func (s *Store) Apply(call kvapi.Call) kvapi.Resp {
	switch call.Op {
	case kvapi.OpPut:
		_, replaced := s.tree.ReplaceOrInsert(item{key: call.Key, value: call.Value})
		return kvapi.Resp{Op: kvapi.OpPut, Key: call.Key, Found: replaced}

	case kvapi.OpSwap:
		old, replaced := s.tree.ReplaceOrInsert(item{key: call.Key, value: call.Value})
		resp := kvapi.Resp{Op: kvapi.OpSwap, Key: call.Key}
		if replaced {
			resp.Value = kvapi.StringPtr(old.value)
		}
		return resp

	case kvapi.OpGet:
		existing, ok := s.tree.Get(item{key: call.Key})
		resp := kvapi.Resp{Op: kvapi.OpGet, Key: call.Key}
		if ok {
			resp.Value = kvapi.StringPtr(existing.value)
		}
		return resp

	case kvapi.OpScan:
		entries := []kvapi.Entry{}
		s.tree.AscendGreaterOrEqual(item{key: call.Key}, func(it item) bool {
			if it.key > call.KeyEnd {
				return false
			}
			entries = append(entries, kvapi.Entry{Key: it.key, Value: it.value})
			return true
		})
		return kvapi.Resp{Op: kvapi.OpScan, Key: call.Key, KeyEnd: call.KeyEnd, Entries: entries}

	case kvapi.OpDelete:
		_, removed := s.tree.Delete(item{key: call.Key})
		return kvapi.Resp{Op: kvapi.OpDelete, Key: call.Key, Found: removed}

	default:
		return kvapi.Resp{Op: kvapi.OpStop}
	}
}

// Serve reads calls from r and writes responses to w until STOP, EOF or
// cancellation of ctx. Reaching EOF is not an error.
func Serve(ctx context.Context, r io.Reader, w io.Writer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	reader := bufio.NewReader(r)
	writer := bufio.NewWriter(w)
	store := NewStore()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		call, err := kvapi.ReadCall(reader)
		if errors.Is(err, io.EOF) {
			logger.Debug("input closed", zap.Int("keys", store.Len()))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read call: %w", err)
		}

		resp := store.Apply(call)
		if err := kvapi.WriteResp(writer, resp); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush response: %w", err)
		}

		if resp.Op == kvapi.OpStop {
			logger.Debug("stopped", zap.Int("keys", store.Len()))
			return nil
		}
	}
}
