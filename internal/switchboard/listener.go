package switchboard

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Listener is a publisher's virtual listening port. It holds no socket;
// it only remembers the bind address the publisher asked for, so
// forwarded channels can echo it back and the client can correlate them
// with its tcpip-forward request.
type Listener struct {
	session *Session
	host    string
	port    uint32
}

// Host returns the bind address the publisher requested. The value is
// opaque to the switchboard.
func (l *Listener) Host() string { return l.host }

// Port returns the published virtual port.
func (l *Listener) Port() uint32 { return l.port }

// Close withdraws the listener from its session and, when it was the
// last one, from the registry. Idempotent.
func (l *Listener) Close() {
	l.session.registry.removeListener(l)
}

// OpenToPublisher opens a forwarded-tcpip channel toward the publishing
// client, looking to it like an incoming connection on the listening
// port. origAddr and origPort describe the initiating end.
func (l *Listener) OpenToPublisher(origAddr string, origPort uint32) (ssh.Channel, error) {
	payload := ssh.Marshal(forwardedTCPPayload{
		Addr:       l.host,
		Port:       l.port,
		OriginAddr: origAddr,
		OriginPort: origPort,
	})
	ch, reqs, err := l.session.conn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		return nil, fmt.Errorf("open forwarded-tcpip for port %d on %s: %w",
			l.port, l.session.hostname, err)
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}
