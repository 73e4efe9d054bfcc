// Package nodeid parses cluster node ids.
//
// The manager is "m", or "m.<replica>" when replicated. Servers are
// "s<partition>", or "s<partition>.<replica>" when replicated.
package nodeid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalid is returned by Parse for malformed ids.
var ErrInvalid = errors.New("invalid node id")

// Kind is the role of a node, written as the first byte of its id.
type Kind byte

const (
	Manager Kind = 'm'
	Server  Kind = 's'
)

// ID names a node of a deployment: m, m.<r>, s<p> or s<p>.<r>.
type ID struct {
	Kind      Kind
	Partition int
	// -1 when the node is not replicated
	Replica int
}

// Parse reads an id such as "m", "s3" or "s0.2".
func Parse(s string) (ID, error) {
	if s == "" {
		return ID{}, fmt.Errorf("%w: empty", ErrInvalid)
	}

	id := ID{Kind: Kind(s[0]), Replica: -1}
	rest := s[1:]

	head, replica, replicated := strings.Cut(rest, ".")
	if replicated {
		r, err := strconv.Atoi(replica)
		if err != nil || r < 0 {
			return ID{}, fmt.Errorf("%w: bad replica in %q", ErrInvalid, s)
		}
		id.Replica = r
	}

	switch id.Kind {
	case Manager:
		if head != "" {
			return ID{}, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
	case Server:
		p, err := strconv.Atoi(head)
		if err != nil || p < 0 {
			return ID{}, fmt.Errorf("%w: bad partition in %q", ErrInvalid, s)
		}
		id.Partition = p
	default:
		return ID{}, fmt.Errorf("%w: %q must start with 'm' or 's'", ErrInvalid, s)
	}
	return id, nil
}

// String formats id the way Parse reads it.
func (id ID) String() string {
	var b strings.Builder
	b.WriteByte(byte(id.Kind))
	if id.Kind == Server {
		b.WriteString(strconv.Itoa(id.Partition))
	}
	if id.Replica >= 0 {
		b.WriteByte('.')
		b.WriteString(strconv.Itoa(id.Replica))
	}
	return b.String()
}

// PartID returns the partition of a server node, and 0 for the manager.
func PartID(node string) (int, error) {
	id, err := Parse(node)
	if err != nil {
		return 0, err
	}
	return id.Partition, nil
}

// PortOf picks the API port of node's partition out of a comma-separated
// list of server addresses, e.g. "1.2.3.4:3777,5.6.7.8:3778". It returns ""
// when the partition is beyond the list.
func PortOf(servers, node string) (string, error) {
	part, err := PartID(node)
	if err != nil {
		return "", err
	}

	addrs := strings.Split(servers, ",")
	if part >= len(addrs) {
		return "", nil
	}

	addr := addrs[part]
	port := strings.TrimSpace(addr[strings.Index(addr, ":")+1:])
	if port == "" {
		return "", fmt.Errorf("node %d's API port is empty", part)
	}
	return port, nil
}
