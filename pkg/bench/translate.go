package bench

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/btree"
	"github.com/madkv/madkv-cli/pkg/kvapi"
)

// DefaultScanEnd bounds scans issued before any key has been inserted.
const DefaultScanEnd = "zzzzzzzz"

// Translator turns lines printed by the YCSB "basic" binding into KV calls.
// The translation is loose about YCSB semantics but fine for benchmarking:
//
//	INSERT t k [ f=v ... ]   ->  PUT t_k _f=v...
//	UPDATE t k [ f=v ... ]   ->  SWAP t_k _f=v...
//	READ t k [ ... ]         ->  GET t_k
//	SCAN t k n [ ... ]       ->  SCAN t_k <n-th inserted key from t_k>
//
// Inserted keys are remembered to bound later scans.
type Translator struct {
	inserted *btree.BTreeG[string]
}

// NewTranslator creates a translator that already knows the given inserted
// keys, typically those of a previous load phase.
func NewTranslator(inserted []string) *Translator {
	tree := btree.NewOrderedG[string](32)
	for _, key := range inserted {
		tree.ReplaceOrInsert(key)
	}
	return &Translator{inserted: tree}
}

// Inserted returns the inserted keys in order.
func (t *Translator) Inserted() []string {
	keys := make([]string, 0, t.inserted.Len())
	t.inserted.Ascend(func(key string) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Translate interprets one output line. It returns the YCSB operation name and
// the call, or an empty name if the line is not an operation.
func (t *Translator) Translate(line string) (string, kvapi.Call, error) {
	segs := strings.Fields(line)
	if len(segs) == 0 {
		return "", kvapi.Call{}, nil
	}

	op, rest := segs[0], segs[1:]
	switch op {
	case "INSERT":
		key, rest, err := parseKey(rest)
		if err != nil {
			return "", kvapi.Call{}, err
		}
		value, err := parseValue(rest)
		if err != nil {
			return "", kvapi.Call{}, err
		}
		t.inserted.ReplaceOrInsert(key)
		return op, kvapi.Put(key, value), nil

	case "UPDATE":
		key, rest, err := parseKey(rest)
		if err != nil {
			return "", kvapi.Call{}, err
		}
		value, err := parseValue(rest)
		if err != nil {
			return "", kvapi.Call{}, err
		}
		return op, kvapi.Swap(key, value), nil

	case "READ":
		key, _, err := parseKey(rest)
		if err != nil {
			return "", kvapi.Call{}, err
		}
		return op, kvapi.Get(key), nil

	case "SCAN":
		start, rest, err := parseKey(rest)
		if err != nil {
			return "", kvapi.Call{}, err
		}
		if t.inserted.Len() == 0 {
			return op, kvapi.Scan(start, DefaultScanEnd), nil
		}
		if len(rest) == 0 {
			return "", kvapi.Call{}, fmt.Errorf("missing scan count in %q: %w", line, ErrParse)
		}
		count, err := strconv.Atoi(rest[0])
		if err != nil {
			return "", kvapi.Call{}, fmt.Errorf("invalid scan count in %q: %w", line, ErrParse)
		}
		return op, kvapi.Scan(start, t.scanEnd(start, count)), nil
	}

	// No deletes in the standard workloads.
	return "", kvapi.Call{}, nil
}

// scanEnd is the count-th inserted key at or after start, or the last
// inserted key if there are not that many.
func (t *Translator) scanEnd(start string, count int) string {
	count = max(count, 1)
	end, _ := t.inserted.Max()
	seen := 0
	t.inserted.AscendGreaterOrEqual(start, func(key string) bool {
		seen++
		if seen == count {
			end = key
			return false
		}
		return true
	})
	return end
}

func parseKey(segs []string) (string, []string, error) {
	if len(segs) < 2 {
		return "", nil, fmt.Errorf("missing key segment: %w", ErrParse)
	}
	return segs[0] + "_" + segs[1], segs[2:], nil
}

// parseValue joins the bracketed field list with '_' in place of spaces.
func parseValue(segs []string) (string, error) {
	if len(segs) == 0 || segs[0] != "[" {
		return "", fmt.Errorf("no value start bracket: %w", ErrParse)
	}

	var b strings.Builder
	for _, seg := range segs[1:] {
		if seg == "]" {
			break
		}
		b.WriteByte('_')
		b.WriteString(seg)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("empty value: %w", ErrParse)
	}
	return b.String(), nil
}
