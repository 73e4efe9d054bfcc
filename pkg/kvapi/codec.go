package kvapi

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const (
	found    = "found"
	notFound = "not_found"
	null     = "null"
)

// ParseCall parses a single call line.
func ParseCall(line string) (Call, error) {
	segs := strings.Fields(line)
	if len(segs) == 0 {
		return Call{}, fmt.Errorf("empty call line: %w", ErrParse)
	}

	expect := func(n int) error {
		if len(segs) != n+1 {
			return fmt.Errorf("invalid input line: %q: %w", line, ErrParse)
		}
		return nil
	}

	switch segs[0] {
	case "PUT", "SWAP":
		if err := expect(2); err != nil {
			return Call{}, err
		}
		if segs[0] == "PUT" {
			return Put(segs[1], segs[2]), nil
		}
		return Swap(segs[1], segs[2]), nil
	case "GET":
		if err := expect(1); err != nil {
			return Call{}, err
		}
		return Get(segs[1]), nil
	case "SCAN":
		if err := expect(2); err != nil {
			return Call{}, err
		}
		return Scan(segs[1], segs[2]), nil
	case "DELETE":
		if err := expect(1); err != nil {
			return Call{}, err
		}
		return Delete(segs[1]), nil
	case "STOP":
		if err := expect(0); err != nil {
			return Call{}, err
		}
		return Stop(), nil
	default:
		return Call{}, fmt.Errorf("invalid input line: %q: %w", line, ErrParse)
	}
}

// String renders the call as a protocol line without the trailing newline.
func (c Call) String() string {
	switch c.Op {
	case OpPut, OpSwap:
		return fmt.Sprintf("%s %s %s", c.Op, c.Key, c.Value)
	case OpGet, OpDelete:
		return fmt.Sprintf("%s %s", c.Op, c.Key)
	case OpScan:
		return fmt.Sprintf("%s %s %s", c.Op, c.Key, c.KeyEnd)
	default:
		return c.Op.String()
	}
}

// WriteCall writes c as one line.
func WriteCall(w io.Writer, c Call) error {
	if _, err := io.WriteString(w, c.String()+"\n"); err != nil {
		return fmt.Errorf("failed to write call: %w", err)
	}
	return nil
}

// ReadCall reads the next non-blank call line.
func ReadCall(r *bufio.Reader) (Call, error) {
	line, err := readLine(r)
	if err != nil {
		return Call{}, err
	}
	return ParseCall(line)
}

// WriteResp writes resp, spanning several lines for SCAN.
func WriteResp(w io.Writer, resp Resp) error {
	var b strings.Builder

	switch resp.Op {
	case OpPut, OpDelete:
		fmt.Fprintf(&b, "%s %s %s\n", resp.Op, resp.Key, foundString(resp.Found))
	case OpSwap, OpGet:
		fmt.Fprintf(&b, "%s %s %s\n", resp.Op, resp.Key, valueString(resp.Value))
	case OpScan:
		fmt.Fprintf(&b, "SCAN %s %s BEGIN\n", resp.Key, resp.KeyEnd)
		for _, entry := range resp.Entries {
			fmt.Fprintf(&b, "  %s %s\n", entry.Key, entry.Value)
		}
		b.WriteString("SCAN END\n")
	case OpStop:
		b.WriteString("STOP\n")
	default:
		return fmt.Errorf("unknown response op %d: %w", resp.Op, ErrParse)
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

// ReadResp reads the next response, skipping blank lines.
func ReadResp(r *bufio.Reader) (Resp, error) {
	line, err := readLine(r)
	if err != nil {
		return Resp{}, err
	}

	segs := strings.Fields(line)
	invalid := fmt.Errorf("invalid response line: %q: %w", line, ErrParse)

	switch segs[0] {
	case "PUT", "DELETE":
		if len(segs) != 3 {
			return Resp{}, invalid
		}
		isFound, err := parseFound(segs[2])
		if err != nil {
			return Resp{}, err
		}
		op := OpPut
		if segs[0] == "DELETE" {
			op = OpDelete
		}
		return Resp{Op: op, Key: segs[1], Found: isFound}, nil

	case "SWAP", "GET":
		if len(segs) != 3 {
			return Resp{}, invalid
		}
		op := OpSwap
		if segs[0] == "GET" {
			op = OpGet
		}
		return Resp{Op: op, Key: segs[1], Value: parseValue(segs[2])}, nil

	case "SCAN":
		if len(segs) != 4 || segs[3] != "BEGIN" {
			return Resp{}, invalid
		}
		resp := Resp{Op: OpScan, Key: segs[1], KeyEnd: segs[2], Entries: []Entry{}}
		for {
			line, err := readLine(r)
			if err != nil {
				return Resp{}, fmt.Errorf("reading scan entries: %w", err)
			}
			fields := strings.Fields(line)
			if len(fields) == 2 && fields[0] == "SCAN" && fields[1] == "END" {
				return resp, nil
			}
			if len(fields) != 2 {
				return Resp{}, fmt.Errorf("invalid scan entry: %q: %w", line, ErrParse)
			}
			resp.Entries = append(resp.Entries, Entry{Key: fields[0], Value: fields[1]})
		}

	case "STOP":
		return Resp{Op: OpStop}, nil

	default:
		return Resp{}, invalid
	}
}

// readLine returns the next non-blank line with surrounding space trimmed.
// io.EOF is returned only when no data remains.
func readLine(r *bufio.Reader) (string, error) {
	for {
		line, err := r.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			return trimmed, nil
		}
		if err != nil {
			return "", err
		}
	}
}

func foundString(b bool) string {
	if b {
		return found
	}
	return notFound
}

func parseFound(s string) (bool, error) {
	switch s {
	case found:
		return true, nil
	case notFound:
		return false, nil
	default:
		return false, fmt.Errorf("invalid found flag %q: %w", s, ErrParse)
	}
}

func valueString(v *string) string {
	if v == nil {
		return null
	}
	return *v
}

func parseValue(s string) *string {
	if s == null {
		return nil
	}
	return &s
}
