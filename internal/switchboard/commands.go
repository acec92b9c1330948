package switchboard

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nuttssh/nuttssh/internal/auth"
)

// commandFunc implements one verb of the administrative channel and
// returns the exit status for the SSH client.
type commandFunc func(s *Session, stdout, stderr io.Writer, args []string) int

// commands maps verbs to implementations. New verbs slot in here
// without touching the session layer.
var commands = map[string]commandFunc{
	"list": listCommand,
}

// dispatchCommand runs the command line from an exec request. An empty
// line (a shell request) and unrecognized verbs both run list.
func dispatchCommand(s *Session, cmdline string, stdout, stderr io.Writer) int {
	fields := strings.Fields(cmdline)
	verb := "list"
	var args []string
	if len(fields) > 0 {
		if _, ok := commands[fields[0]]; ok {
			verb = fields[0]
			args = fields[1:]
		}
	}
	s.log.Debugf("running command %q", verb)
	return commands[verb](s, stdout, stderr, args)
}

// listCommand prints one line per connected publisher:
//
//	  <hostname>: ip=<peer> aliases=<a,b> ports=<p,q>
//
// sorted by hostname, ports ascending, aliases in authorized-keys
// order. Sessions without published ports are not listed.
func listCommand(s *Session, stdout, stderr io.Writer, _ []string) int {
	if !s.permissions.Has(auth.PermListListeners) {
		fmt.Fprintf(stderr, "Permission denied\n")
		return 1
	}

	publishers := s.registry.Snapshot()
	if len(publishers) == 0 {
		fmt.Fprintf(stdout, "  None\n")
		return 0
	}
	for _, p := range publishers {
		ports := make([]string, len(p.Ports))
		for i, port := range p.Ports {
			ports[i] = strconv.FormatUint(uint64(port), 10)
		}
		fmt.Fprintf(stdout, "  %s: ip=%s aliases=%s ports=%s\n",
			p.Hostname, p.PeerIP,
			strings.Join(p.Aliases, ","), strings.Join(ports, ","))
	}
	return 0
}
