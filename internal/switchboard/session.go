package switchboard

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/nuttssh/nuttssh/internal/auth"
	"github.com/nuttssh/nuttssh/internal/logging"
)

// Session is the server side of one authenticated SSH connection. Its
// request and channel loops run on their own goroutines, but everything
// touching the registry or the listener map goes through Registry
// methods, so a session never needs a lock of its own.
type Session struct {
	conn     *ssh.ServerConn
	registry *Registry

	username    string
	hostname    string
	aliases     []string
	names       []string
	permissions auth.PermissionSet

	// listeners maps published ports to their virtual listeners. Guarded
	// by the registry mutex.
	listeners map[uint32]*Listener

	log *logrus.Entry
}

func newSession(conn *ssh.ServerConn, id auth.Identity, registry *Registry) *Session {
	return &Session{
		conn:        conn,
		registry:    registry,
		username:    id.Username,
		hostname:    id.Hostname,
		aliases:     id.Aliases,
		names:       id.Names(),
		permissions: id.Permissions,
		listeners:   make(map[uint32]*Listener),
		log: logging.WithFields(logrus.Fields{
			"remote":   conn.RemoteAddr().String(),
			"user":     id.Username,
			"hostname": id.Hostname,
		}),
	}
}

// peerIP returns the peer address without the port, as shown by list.
func (s *Session) peerIP() string {
	if s.conn == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return s.conn.RemoteAddr().String()
	}
	return host
}

// Wire payloads, RFC 4254 §7.
type tcpipForwardPayload struct {
	Addr string
	Port uint32
}

type directTCPPayload struct {
	DestAddr string
	DestPort uint32
	OrigAddr string
	OrigPort uint32
}

type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

type execPayload struct {
	Command string
}

type exitStatusPayload struct {
	Status uint32
}

// handleRequests serves the connection's global requests. Only the two
// port forwarding requests mean anything to a switchboard; everything
// else is refused.
func (s *Session) handleRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			s.handleForward(req)
		case "cancel-tcpip-forward":
			s.handleCancelForward(req)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *Session) handleForward(req *ssh.Request) {
	var payload tcpipForwardPayload
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		s.log.Warnf("malformed tcpip-forward payload: %v", err)
		s.reply(req, false)
		return
	}
	if !s.permissions.Has(auth.PermListen) {
		s.log.Warnf("no listen permission, denying forward for port %d", payload.Port)
		s.reply(req, false)
		return
	}
	if payload.Port == 0 {
		s.log.Warnf("dynamic listen port not supported, denying request")
		s.reply(req, false)
		return
	}
	// The payload field is uint32; real ports stop at 65535.
	if payload.Port > 65535 {
		s.log.Warnf("listen port %d out of range, denying request", payload.Port)
		s.reply(req, false)
		return
	}

	if _, err := s.registry.CreateListener(s, payload.Addr, payload.Port); err != nil {
		s.log.Warnf("denying forward for port %d: %v", payload.Port, err)
		s.reply(req, false)
		return
	}
	s.log.Infof("created virtual listener for %s, port %d",
		strings.Join(s.names, ","), payload.Port)

	// Port 0 is never granted, so the reply carries no chosen-port
	// payload.
	s.reply(req, true)
}

func (s *Session) handleCancelForward(req *ssh.Request) {
	var payload tcpipForwardPayload
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		s.log.Warnf("malformed cancel-tcpip-forward payload: %v", err)
		s.reply(req, false)
		return
	}
	ok := s.registry.CancelListener(s, payload.Port)
	if ok {
		s.log.Infof("cancelled virtual listener for port %d", payload.Port)
	}
	s.reply(req, ok)
}

func (s *Session) reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

// handleChannels serves the connection's channel opens. Initiators open
// direct-tcpip channels toward published names; session channels carry
// the admin command surface.
func (s *Session) handleChannels(chans <-chan ssh.NewChannel) {
	for newChan := range chans {
		switch newChan.ChannelType() {
		case "direct-tcpip":
			go s.handleDirectTCPIP(newChan)
		case "session":
			go s.handleSessionChannel(newChan)
		default:
			_ = newChan.Reject(ssh.UnknownChannelType,
				fmt.Sprintf("unsupported channel type %q", newChan.ChannelType()))
		}
	}
}

// handleDirectTCPIP resolves the destination designator to a publisher's
// virtual listener and splices the two channels together. The publisher
// side is opened first so the initiator only ever sees an open channel
// that is actually connected.
func (s *Session) handleDirectTCPIP(newChan ssh.NewChannel) {
	var payload directTCPPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		s.log.Warnf("malformed direct-tcpip payload: %v", err)
		_ = newChan.Reject(ssh.ConnectionFailed, "malformed direct-tcpip payload")
		return
	}

	if !s.permissions.Has(auth.PermInitiate) {
		s.log.Warnf("no initiate permission, denying connection to %s:%d",
			payload.DestAddr, payload.DestPort)
		_ = newChan.Reject(ssh.Prohibited, "Insufficient permissions to connect")
		return
	}

	listener, err := s.registry.Resolve(payload.DestAddr, payload.DestPort)
	if err != nil {
		s.log.Infof("cannot connect to %s:%d: %v", payload.DestAddr, payload.DestPort, err)
		_ = newChan.Reject(ssh.ConnectionFailed, resolveFailure(payload, err))
		return
	}

	publisher, err := listener.OpenToPublisher(payload.OrigAddr, payload.OrigPort)
	if err != nil {
		s.log.Warnf("cannot reach slave %s: %v", payload.DestAddr, err)
		_ = newChan.Reject(ssh.ConnectionFailed,
			fmt.Sprintf("Cannot reach slave %s", payload.DestAddr))
		return
	}

	initiator, reqs, err := newChan.Accept()
	if err != nil {
		s.log.Warnf("accepting direct-tcpip channel: %v", err)
		_ = publisher.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	s.log.Infof("splicing to %s:%d", payload.DestAddr, payload.DestPort)
	splice(initiator, publisher, s.log.WithFields(logrus.Fields{
		"slave": payload.DestAddr,
		"port":  payload.DestPort,
	}))
}

// resolveFailure renders the reject reason the initiating client sees.
func resolveFailure(payload directTCPPayload, err error) string {
	if errors.Is(err, ErrPortNotFound) {
		return fmt.Sprintf("Port %d on slave %s not found", payload.DestPort, payload.DestAddr)
	}
	return fmt.Sprintf("Slave %s not found", payload.DestAddr)
}

// handleSessionChannel accepts a session channel and waits for a shell
// or exec request, which both run an admin command. Terminal related
// requests are accepted and ignored so interactive clients work.
func (s *Session) handleSessionChannel(newChan ssh.NewChannel) {
	ch, reqs, err := newChan.Accept()
	if err != nil {
		s.log.Warnf("accepting session channel: %v", err)
		return
	}

	started := false
	for req := range reqs {
		switch req.Type {
		case "exec", "shell":
			if started {
				s.reply(req, false)
				continue
			}
			var cmdline string
			if req.Type == "exec" {
				var payload execPayload
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					s.log.Warnf("malformed exec payload: %v", err)
					s.reply(req, false)
					continue
				}
				cmdline = payload.Command
			}
			started = true
			s.reply(req, true)
			// Run on its own goroutine so the request loop keeps
			// draining until the channel closes.
			go s.runCommand(ch, cmdline)
		case "pty-req", "env", "window-change":
			s.reply(req, true)
		default:
			s.reply(req, false)
		}
	}
	if !started {
		_ = ch.Close()
	}
}

func (s *Session) runCommand(ch ssh.Channel, cmdline string) {
	defer ch.Close()
	status := dispatchCommand(s, cmdline, ch, ch.Stderr())
	_, _ = ch.SendRequest("exit-status", false,
		ssh.Marshal(exitStatusPayload{Status: uint32(status)}))
}

// teardown runs when the connection drains: every owned listener goes
// away and, with it, the session's registry entries. In-flight splices
// are not interrupted; their channels die with the transport.
func (s *Session) teardown(err error) {
	s.registry.CloseAll(s)
	if err != nil && !errors.Is(err, io.EOF) {
		s.log.Errorf("connection error: %v", err)
		return
	}
	s.log.Info("connection closed")
}
