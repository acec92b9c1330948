package auth

import (
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/nuttssh/nuttssh/internal/logging"
)

// Identity is what an accepted key says about a connection: the names it
// may publish under and the operations it may perform.
type Identity struct {
	Username    string
	Hostname    string
	Aliases     []string
	Permissions PermissionSet
}

// Names returns the hostname followed by the aliases. A publishing
// session is registered under every one of these.
func (id Identity) Names() []string {
	return append([]string{id.Hostname}, id.Aliases...)
}

// NewIdentity applies an entry's options to the authenticated username.
// Unknown access levels are skipped with a log entry. A key granting no
// permissions still authenticates; every privileged operation is then
// denied individually.
func NewIdentity(username string, opts KeyOptions) Identity {
	id := Identity{
		Username:    username,
		Hostname:    username,
		Aliases:     opts.Aliases,
		Permissions: make(PermissionSet),
	}

	for _, level := range opts.Access {
		bundle, ok := accessLevels[level]
		if !ok {
			logging.Logger.Errorf("ignoring unknown access level %q for user %s", level, username)
			continue
		}
		id.Permissions.merge(bundle)
	}
	if len(id.Permissions) == 0 {
		logging.Logger.Warnf("key for user %s grants no permissions", username)
	}

	switch {
	case len(opts.Hostnames) == 1:
		id.Hostname = opts.Hostnames[0]
	case len(opts.Hostnames) > 1:
		logging.Logger.Warnf("multiple hostname options for user %s, using %q", username, opts.Hostnames[0])
		id.Hostname = opts.Hostnames[0]
	}

	return id
}

// Extension keys used to carry the identity through the SSH handshake.
// ssh.Permissions is the only state the public key callback can hand to
// the connection loop, and its extensions are plain strings.
const (
	extHostname    = "nuttssh-hostname"
	extAliases     = "nuttssh-aliases"
	extPermissions = "nuttssh-permissions"
)

// Extensions encodes the identity for ssh.Permissions.
func (id Identity) Extensions() map[string]string {
	return map[string]string{
		extHostname:    id.Hostname,
		extAliases:     strings.Join(id.Aliases, ","),
		extPermissions: id.Permissions.String(),
	}
}

// IdentityFromExtensions rebuilds the identity stored by the public key
// callback. ok is false when the extensions carry none.
func IdentityFromExtensions(username string, ext map[string]string) (Identity, bool) {
	hostname, ok := ext[extHostname]
	if !ok {
		return Identity{}, false
	}
	id := Identity{
		Username:    username,
		Hostname:    hostname,
		Permissions: ParsePermissions(ext[extPermissions]),
	}
	if v := ext[extAliases]; v != "" {
		id.Aliases = strings.Split(v, ",")
	}
	return id, true
}

// IdentityFromConn rebuilds the identity from an authenticated server
// connection.
func IdentityFromConn(conn *ssh.ServerConn) (Identity, bool) {
	if conn.Permissions == nil || conn.Permissions.Extensions == nil {
		return Identity{}, false
	}
	return IdentityFromExtensions(conn.User(), conn.Permissions.Extensions)
}
