package auth

import (
	"net"
	"regexp"
	"strings"
)

// matchSource evaluates one from= option value against the peer IP.
// The value is a comma separated pattern list in the OpenSSH style:
// "!" negates a pattern, "*" and "?" are wildcards, and CIDR notation is
// accepted. The address is admitted when at least one positive pattern
// matches and no negated pattern does.
func matchSource(patterns string, ip net.IP) bool {
	matched := false
	for _, pat := range strings.Split(patterns, ",") {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		negated := strings.HasPrefix(pat, "!")
		if negated {
			pat = pat[1:]
		}
		if !matchPattern(pat, ip) {
			continue
		}
		if negated {
			return false
		}
		matched = true
	}
	return matched
}

// matchPattern matches a single pattern, CIDR first and glob otherwise.
func matchPattern(pat string, ip net.IP) bool {
	if strings.Contains(pat, "/") {
		_, ipnet, err := net.ParseCIDR(pat)
		return err == nil && ip != nil && ipnet.Contains(ip)
	}
	if ip == nil {
		return false
	}
	return matchGlob(pat, ip.String())
}

// matchGlob matches a pattern with * and ? wildcards against s.
func matchGlob(pat, s string) bool {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pat {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
