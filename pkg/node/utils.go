package node

import (
	"net"
	"strings"
)

// NormalizeHostPort strips an http:// or https:// scheme and appends defPort
// when addr has no port.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// HomeFor returns the node the ring homes path on and its address. local
// is true when that is this node, the ring is empty, or the home has no
// address to forward to.
func (n *Node) HomeFor(path string) (id, hostport string, local bool) {
	id = n.ring.Lookup([]byte(path))
	if id == "" || id == n.id {
		return id, "", true
	}
	addr, ok := n.ring.Addr(id)
	if !ok || addr == "" {
		return id, "", true
	}
	hostport = NormalizeHostPort(addr, defaultPort)
	if n.addr != "" && NormalizeHostPort(n.addr, defaultPort) == hostport {
		return id, "", true
	}
	return id, hostport, false
}
