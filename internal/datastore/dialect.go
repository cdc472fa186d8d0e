package datastore

import (
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between supported drivers.
//
// Queries are written with "?" placeholders and rebound per dialect.
type Dialect struct {
	Name     string
	numbered bool // $1, $2, ...
}

var (
	DialectPostgres = Dialect{Name: "postgres", numbered: true}
	DialectSQLite   = Dialect{Name: "sqlite"}
)

// Rebind rewrites "?" placeholders outside string literals and quoted
// identifiers.
func (d Dialect) Rebind(query string) string {
	if !d.numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
