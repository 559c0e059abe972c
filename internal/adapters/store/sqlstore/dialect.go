package sqlstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"
)

type dialect struct {
	name       string
	driverName string
	goose      goose.Dialect
	migrations string
}

var dialects = map[string]dialect{
	"sqlite":   {name: "sqlite", driverName: "sqlite", goose: goose.DialectSQLite3, migrations: "migrations/sqlite"},
	"postgres": {name: "postgres", driverName: "postgres", goose: goose.DialectPostgres, migrations: "migrations/postgres"},
	"mysql":    {name: "mysql", driverName: "mysql", goose: goose.DialectMySQL, migrations: "migrations/mysql"},
}

func lookupDialect(name string) (dialect, error) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported store driver %q", name)
	}
	return d, nil
}

// rebind turns ? placeholders into $N for postgres.
func (d dialect) rebind(query string) string {
	if d.name != "postgres" {
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

// insertIgnore builds an INSERT that silently skips rows hitting a unique
// constraint.
func (d dialect) insertIgnore(table string, columns ...string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	cols := strings.Join(columns, ", ")
	if d.name == "mysql" {
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, cols, marks)
	}
	return d.rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, cols, marks))
}
