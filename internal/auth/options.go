package auth

import "strings"

// KeyOptions are the recognized option values of one authorized-keys
// entry. Option keys other than from, access, hostname and alias are
// ignored; OpenSSH options such as no-pty mean nothing to a switchboard.
type KeyOptions struct {
	// From holds the raw from= pattern lists, one element per option.
	// Each element is itself a comma separated pattern list.
	From []string
	// Access holds access level names with comma lists already split.
	Access []string
	// Hostnames holds every hostname= value in file order. Only the
	// first is used; extras draw a warning.
	Hostnames []string
	// Aliases holds alias= values in file order, comma lists split.
	Aliases []string
}

// parseOptions interprets the option strings returned by
// ssh.ParseAuthorizedKey. Each string is either a bare flag or
// key=value with the value possibly double quoted.
func parseOptions(options []string) KeyOptions {
	var out KeyOptions
	for _, opt := range options {
		key, value := opt, ""
		if i := strings.IndexByte(opt, '='); i >= 0 {
			key, value = opt[:i], unquote(opt[i+1:])
		}
		switch strings.ToLower(key) {
		case "from":
			out.From = append(out.From, value)
		case "access":
			out.Access = append(out.Access, splitList(value)...)
		case "hostname":
			out.Hostnames = append(out.Hostnames, value)
		case "alias":
			out.Aliases = append(out.Aliases, splitList(value)...)
		}
	}
	return out
}

// splitList splits a comma separated option value, dropping empty parts.
func splitList(value string) []string {
	var parts []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// unquote strips one level of surrounding double quotes.
func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}
