// Package utils holds small helpers shared by the server and the example
// daemon.
package utils

import (
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// GenerateID creates a unique, lexically sortable identifier for
// connections, messages, and store filenames.
func GenerateID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// IPFromAddr extracts the IP from a network address.
func IPFromAddr(addr net.Addr) (net.IP, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP, nil
	case *net.IPAddr:
		return a.IP, nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("utils: no IP in address %v", addr)
	}
	return ip, nil
}
