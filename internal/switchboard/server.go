// Package switchboard implements the Nuttssh switchboard: an SSH
// endpoint that joins publisher and initiator connections into byte
// streams without binding any host port. Publishers advertise virtual
// listening ports with tcpip-forward; initiators address them by name
// with direct-tcpip; the switchboard splices the two channels.
package switchboard

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/nuttssh/nuttssh/internal/auth"
	"github.com/nuttssh/nuttssh/internal/logging"
)

// handshakeTimeout is the deadline for the SSH handshake including
// public key authentication. Cleared once the connection is
// authenticated; established sessions live indefinitely.
const handshakeTimeout = 15 * time.Second

// defaultMaxPending caps simultaneous unauthenticated handshakes.
const defaultMaxPending = 50

// serverVersion is the SSH banner presented to clients.
const serverVersion = "SSH-2.0-nuttssh"

// Server is the switchboard daemon. All fields are set before
// ListenAndServe; the zero values of the optional ones pick the
// defaults.
type Server struct {
	// ListenAddr is the address to bind (default ":1878").
	ListenAddr string
	// HostKeyFile is the path of the host private key. The key is
	// loaded once at startup; a missing or unparsable key is a
	// bootstrap error.
	HostKeyFile string
	// AuthorizedKeysFile is the path of the client key whitelist,
	// re-read for every incoming connection.
	AuthorizedKeysFile string
	// Registry is the process-wide name table shared by all sessions.
	Registry *Registry
	// MaxPending caps concurrent unauthenticated handshakes
	// (default 50).
	MaxPending int

	hostKey ssh.Signer
	sem     chan struct{}
}

func (s *Server) init() error {
	if s.HostKeyFile == "" {
		return fmt.Errorf("switchboard: Server.HostKeyFile must not be empty")
	}
	if s.AuthorizedKeysFile == "" {
		return fmt.Errorf("switchboard: Server.AuthorizedKeysFile must not be empty")
	}
	if s.Registry == nil {
		return fmt.Errorf("switchboard: Server.Registry must not be nil")
	}

	mp := s.MaxPending
	if mp == 0 {
		mp = defaultMaxPending
	}
	s.sem = make(chan struct{}, mp)

	hostKey, err := loadHostKey(s.HostKeyFile)
	if err != nil {
		return err
	}
	s.hostKey = hostKey
	return nil
}

// loadHostKey reads and parses the host private key.
func loadHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host key %s: %w", path, err)
	}
	key, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse host key %s: %w", path, err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, fmt.Errorf("host key %s: %w", path, err)
	}
	return signer, nil
}

// ListenAndServe binds ListenAddr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.init(); err != nil {
		return err
	}
	addr := s.ListenAddr
	if addr == "" {
		addr = ":1878"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("switchboard: listen %s: %w", addr, err)
	}
	return s.serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. It exists so
// tests can bind port 0 themselves.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.init(); err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	logging.Logger.Infof("listening on %s", ln.Addr())

	// Close the listener when the context is cancelled.
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			// Transient accept error; keep looping.
			logging.Logger.Warnf("accept: %v", err)
			continue
		}

		// Semaphore: concurrent pending handshake gate. handleConn
		// returns the slot as soon as the handshake concludes, so
		// established sessions do not count against the cap.
		select {
		case s.sem <- struct{}{}:
		default:
			_ = conn.Close()
			continue
		}

		go s.handleConn(conn)
	}
}

// handleConn performs the SSH handshake and drives the session until
// the connection drains.
func (s *Server) handleConn(conn net.Conn) {
	log := logging.WithField("remote", conn.RemoteAddr().String())
	log.Info("connection received")

	// Short deadline covers the handshake only; authenticated sessions
	// may live indefinitely.
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.serverConfig(log))
	// The handshake is over either way; free the slot for the next
	// pending connection before serving the session.
	<-s.sem
	if err != nil {
		log.Infof("handshake failed: %v", err)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	identity, ok := auth.IdentityFromConn(sshConn)
	if !ok {
		log.Error("authenticated connection carries no identity")
		_ = sshConn.Close()
		return
	}

	sess := newSession(sshConn, identity, s.Registry)
	sess.log.Info("authenticated")

	go sess.handleRequests(reqs)
	go sess.handleChannels(chans)

	err = sshConn.Wait()
	sess.teardown(err)
}

// serverConfig builds the per-connection SSH configuration. The
// authorized-keys file is read here, once per connection, so edits
// apply without a restart. A read failure rejects every key of the
// connection, which makes the library disconnect the client with no
// auth methods remaining.
func (s *Server) serverConfig(log *logrus.Entry) *ssh.ServerConfig {
	entries, loadErr := auth.LoadFile(s.AuthorizedKeysFile)
	if loadErr != nil {
		log.Errorf("invalid server configuration: %v", loadErr)
	}

	cfg := &ssh.ServerConfig{
		ServerVersion: serverVersion,
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if loadErr != nil {
				return nil, fmt.Errorf("invalid server configuration")
			}
			entry, ok := auth.Match(entries, key, peerIP(meta.RemoteAddr()))
			if !ok {
				log.Debugf("rejecting key %s for user %q",
					ssh.FingerprintSHA256(key), meta.User())
				return nil, fmt.Errorf("unknown public key for user %q", meta.User())
			}
			log.Debugf("accepting key %s for user %q",
				ssh.FingerprintSHA256(key), meta.User())
			identity := auth.NewIdentity(meta.User(), entry.Options)
			return &ssh.Permissions{Extensions: identity.Extensions()}, nil
		},
	}
	cfg.AddHostKey(s.hostKey)
	return cfg
}

// peerIP extracts the bare IP of the peer for from= evaluation.
func peerIP(addr net.Addr) net.IP {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return net.ParseIP(host)
}
