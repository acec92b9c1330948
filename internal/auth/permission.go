package auth

import (
	"sort"
	"strings"
)

// Permission is a single capability a connected client may hold.
type Permission string

const (
	// PermListen allows publishing virtual listening ports.
	PermListen Permission = "listen"
	// PermInitiate allows opening channels toward published ports.
	PermInitiate Permission = "initiate"
	// PermListListeners allows querying the registry with list.
	PermListListeners Permission = "list-listeners"
)

// PermissionSet is the set of capabilities granted to one connection.
type PermissionSet map[Permission]bool

// Has reports whether p is in the set.
func (s PermissionSet) Has(p Permission) bool { return s[p] }

// merge unions other into s.
func (s PermissionSet) merge(other PermissionSet) {
	for p, ok := range other {
		if ok {
			s[p] = true
		}
	}
}

// String renders the set comma separated in stable order. It doubles as
// the encoding used to carry the set across the SSH handshake.
func (s PermissionSet) String() string {
	names := make([]string, 0, len(s))
	for p, ok := range s {
		if ok {
			names = append(names, string(p))
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// ParsePermissions is the inverse of PermissionSet.String.
func ParsePermissions(s string) PermissionSet {
	set := make(PermissionSet)
	for _, name := range strings.Split(s, ",") {
		if name != "" {
			set[Permission(name)] = true
		}
	}
	return set
}

// accessLevels maps the access= option values of an authorized-keys entry
// to permission bundles. Initiating implies listing, so an operator who
// grants initiate does not need a second option for list to work.
var accessLevels = map[string]PermissionSet{
	"listen":   {PermListen: true},
	"initiate": {PermInitiate: true, PermListListeners: true},
}
