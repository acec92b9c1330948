// Package designator parses the name~index strings initiators use to
// address one of several publishers sharing a name. Index 0 is the most
// recently connected publisher, so a plain name always reaches the
// freshest session.
package designator

import (
	"fmt"
	"regexp"
	"strconv"
)

// indexedName matches a trailing ~<digits> suffix. The name capture is
// greedy, so "db~1~2" splits into ("db~1", 2).
var indexedName = regexp.MustCompile(`^(.*)~(\d+)$`)

// Split breaks s into a name and an index. When s carries no index
// suffix, or the digits overflow an int, the whole string is the name and
// def is returned as the index.
func Split(s string, def int) (string, int) {
	m := indexedName.FindStringSubmatch(s)
	if m == nil {
		return s, def
	}
	index, err := strconv.Atoi(m[2])
	if err != nil {
		return s, def
	}
	return m[1], index
}

// Join renders the name~index form accepted by Split.
func Join(name string, index int) string {
	return fmt.Sprintf("%s~%d", name, index)
}
