// Package kvapi implements the line-oriented workload protocol spoken between
// the workload tools and a KV client process over its stdin and stdout.
//
// Calls, one per line:
//
//	PUT <key> <value>
//	SWAP <key> <value>
//	GET <key>
//	SCAN <key_start> <key_end>
//	DELETE <key>
//	STOP
//
// Responses:
//
//	PUT <key> found|not_found
//	SWAP <key> <old_value>|null
//	GET <key> <value>|null
//	SCAN <key_start> <key_end> BEGIN
//	  <key> <value>
//	SCAN END
//	DELETE <key> found|not_found
//	STOP
package kvapi

import "errors"

// ErrParse is wrapped by every protocol decoding error.
var ErrParse = errors.New("parse error")

// Op identifies the kind of a call or response.
type Op uint8

const (
	OpPut Op = iota + 1
	OpSwap
	OpGet
	OpScan
	OpDelete
	OpStop
)

func (op Op) String() string {
	switch op {
	case OpPut:
		return "PUT"
	case OpSwap:
		return "SWAP"
	case OpGet:
		return "GET"
	case OpScan:
		return "SCAN"
	case OpDelete:
		return "DELETE"
	case OpStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Call is a KV operation request.
type Call struct {
	Op    Op
	Key   string
	Value string

	// KeyEnd is the inclusive upper bound of a SCAN. Key is the lower bound.
	KeyEnd string
}

// Put creates a PUT call.
func Put(key, value string) Call { return Call{Op: OpPut, Key: key, Value: value} }

// Swap creates a SWAP call.
func Swap(key, value string) Call { return Call{Op: OpSwap, Key: key, Value: value} }

// Get creates a GET call.
func Get(key string) Call { return Call{Op: OpGet, Key: key} }

// Scan creates a SCAN call over [keyStart, keyEnd].
func Scan(keyStart, keyEnd string) Call { return Call{Op: OpScan, Key: keyStart, KeyEnd: keyEnd} }

// Delete creates a DELETE call.
func Delete(key string) Call { return Call{Op: OpDelete, Key: key} }

// Stop creates a STOP call.
func Stop() Call { return Call{Op: OpStop} }

// UpdateInfo reports the key and the value a call leaves behind if it is an
// update. DELETE leaves no value, reported as nil.
func (c Call) UpdateInfo() (key string, value *string, ok bool) {
	switch c.Op {
	case OpPut, OpSwap:
		v := c.Value
		return c.Key, &v, true
	case OpDelete:
		return c.Key, nil, true
	default:
		return "", nil, false
	}
}

// Entry is a key/value pair returned by SCAN.
type Entry struct {
	Key   string
	Value string
}

// Resp is a KV operation response.
type Resp struct {
	Op  Op
	Key string

	// Found is set for PUT and DELETE.
	Found bool

	// Value holds the old value for SWAP and the value for GET; nil means null.
	Value *string

	// KeyEnd and Entries are set for SCAN.
	KeyEnd  string
	Entries []Entry
}

// StringPtr returns a pointer to s, for building responses.
func StringPtr(s string) *string { return &s }
