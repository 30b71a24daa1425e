package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	// Name identifies the dialect in logs.
	Name string
	// Driver is the database/sql driver name.
	Driver string
	// Greatest is the scalar function returning the larger of its arguments.
	Greatest string
	// TimeType is the column type used for timestamps.
	TimeType string

	dollarPlaceholders bool
	singleWriter       bool
}

var (
	// Postgres is a local or remote PostgreSQL server reached through lib/pq.
	Postgres = Dialect{
		Name:               "postgres",
		Driver:             "postgres",
		Greatest:           "GREATEST",
		TimeType:           "TIMESTAMPTZ",
		dollarPlaceholders: true,
	}
	// SQLite is an embedded database file reached through go-sqlite3.
	SQLite = Dialect{
		Name:         "sqlite",
		Driver:       "sqlite3",
		Greatest:     "MAX",
		TimeType:     "DATETIME",
		singleWriter: true,
	}
)

// Rebind rewrites ? placeholders into the dialect's placeholder syntax.
func (d Dialect) Rebind(query string) string {
	if !d.dollarPlaceholders {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
