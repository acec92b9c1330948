// Package auth maps authorized-keys entries to the identities and
// capabilities of connecting clients.
//
// Beyond acting as the usual public key whitelist, the file carries
// per-key options that drive the switchboard:
//
//	access=listen,initiate      capability bundles granted to the key
//	hostname=web1               primary name the client publishes under
//	alias="web,frontend"        additional names (repeatable)
//	from="10.0.*,!10.0.0.13"    source address restriction
//
// A complete entry looks like:
//
//	access=listen,hostname=web1,alias=web ssh-ed25519 AAAA... ops@example
package auth

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/nuttssh/nuttssh/internal/logging"
)

// Entry is one parsed line of the authorized-keys file.
type Entry struct {
	Key     ssh.PublicKey
	Options KeyOptions
	Comment string
}

// LoadFile reads and parses the authorized-keys file. Lines that fail to
// parse are logged and skipped so one bad entry cannot lock every client
// out; a missing or unreadable file is an error, because without the
// whitelist no authentication decision can be made at all.
func LoadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys %s: %w", path, err)
	}
	return parseAuthorizedKeys(path, data), nil
}

func parseAuthorizedKeys(path string, data []byte) []Entry {
	var entries []Entry
	for n, line := range bytes.Split(data, []byte("\n")) {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 || trimmed[0] == '#' {
			continue
		}
		key, comment, options, _, err := ssh.ParseAuthorizedKey(trimmed)
		if err != nil {
			logging.Logger.Warnf("%s line %d: skipping unparsable entry: %v", path, n+1, err)
			continue
		}
		entries = append(entries, Entry{
			Key:     key,
			Options: parseOptions(options),
			Comment: comment,
		})
	}
	return entries
}

// Match returns the first entry whose key equals the offered key and
// whose from= restriction, when present, admits the peer address. An
// entry rejected by its from= restriction does not stop a later entry
// holding the same key from matching.
func Match(entries []Entry, key ssh.PublicKey, peer net.IP) (Entry, bool) {
	for _, e := range entries {
		if !keysEqual(e.Key, key) {
			continue
		}
		if !e.admitsSource(peer) {
			continue
		}
		return e, true
	}
	return Entry{}, false
}

// admitsSource applies every from= option on the entry. More than one
// from= means every restriction must admit the peer.
func (e Entry) admitsSource(peer net.IP) bool {
	for _, patterns := range e.Options.From {
		if !matchSource(patterns, peer) {
			return false
		}
	}
	return true
}

// keysEqual compares the marshalled keys in constant time.
func keysEqual(a, b ssh.PublicKey) bool {
	return subtle.ConstantTimeCompare(a.Marshal(), b.Marshal()) == 1
}
