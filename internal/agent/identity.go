// Package agent wires the node together: identity, control-plane
// registration, the task registry, the image store and the HTTP API.
package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
)

// Slug derives this agent's stable identifier from its hostname.
func Slug() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	sum := sha256.Sum256([]byte(hostname))
	return "maki-" + hex.EncodeToString(sum[:])[:8]
}

// APIURL is the reachable URL of this agent's API, announced to the control
// plane at registration.
func APIURL(port int) string {
	return fmt.Sprintf("https://%s:%d", hostIP(), port)
}

func hostIP() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "127.0.0.1"
	}
	addrs, err := net.LookupHost(hostname)
	if err != nil || len(addrs) == 0 {
		return "127.0.0.1"
	}
	return addrs[0]
}
