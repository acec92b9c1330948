package switchboard

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// duplexChannel is the part of ssh.Channel the splicer needs. Tests
// substitute in-memory pipes.
type duplexChannel interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// splice pumps bytes between the initiator and publisher channels until
// both directions have finished, then closes both ends. Payload bytes
// are never interpreted. A clean EOF on one direction half-closes the
// other side and lets the reverse direction keep flowing; a copy error
// tears the whole splice down. Backpressure comes from the SSH window:
// io.Copy simply blocks when the receiving side cannot accept.
func splice(initiator, publisher duplexChannel, log *logrus.Entry) {
	var (
		wg       sync.WaitGroup
		sent     int64 // initiator -> publisher
		received int64 // publisher -> initiator
		sendErr  error
		recvErr  error
	)

	pump := func(dst, src duplexChannel, n *int64, errp *error) {
		defer wg.Done()
		*n, *errp = io.Copy(dst, src)
		if *errp != nil {
			_ = initiator.Close()
			_ = publisher.Close()
			return
		}
		_ = dst.CloseWrite()
	}

	wg.Add(2)
	go pump(publisher, initiator, &sent, &sendErr)
	go pump(initiator, publisher, &received, &recvErr)
	wg.Wait()

	_ = initiator.Close()
	_ = publisher.Close()

	if sendErr != nil || recvErr != nil {
		log.Errorf("splice failed after %d bytes sent, %d received (send: %v, receive: %v)",
			sent, received, sendErr, recvErr)
		return
	}
	log.Infof("splice closed, %d bytes sent, %d received", sent, received)
}
