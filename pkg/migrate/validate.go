package migrate

import (
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
)

var (
	migrationName = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)
	// Ledger tables hold balances and settlement history. No Up section may
	// drop or truncate them.
	destroysLedger = regexp.MustCompile(`(?i)\b(?:DROP\s+TABLE(?:\s+IF\s+EXISTS)?|TRUNCATE(?:\s+TABLE)?)\s+(credit_balances|subscriptions|payment_history|settled_events)\b`)
)

// ValidateDir checks the migration files in dir.
func ValidateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("dir is required")
	}
	return Validate(os.DirFS(dir))
}

// Validate checks naming, unique versions, goose sections and that no Up
// section destroys ledger data.
func Validate(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	versions := map[string]string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		m := migrationName.FindStringSubmatch(name)
		if m == nil {
			return fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name)
		}
		if prev, dup := versions[m[1]]; dup {
			return fmt.Errorf("duplicate migration version %s in %q and %q", m[1], prev, name)
		}
		versions[m[1]] = name

		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read %q: %w", name, err)
		}
		if err := checkSections(name, string(body)); err != nil {
			return err
		}
	}
	return nil
}

func checkSections(name, sql string) error {
	up, down, ok := strings.Cut(sql, "-- +goose Down")
	if !ok {
		return fmt.Errorf("migration %q missing \"-- +goose Down\"", name)
	}
	if !strings.Contains(up, "-- +goose Up") {
		return fmt.Errorf("migration %q missing \"-- +goose Up\"", name)
	}
	if strings.TrimSpace(stripComments(down)) == "" {
		return fmt.Errorf("migration %q has an empty Down section", name)
	}
	if m := destroysLedger.FindStringSubmatch(stripComments(up)); m != nil {
		return fmt.Errorf("migration %q destroys ledger table %s", name, m[1])
	}
	return nil
}

func stripComments(sql string) string {
	var b strings.Builder
	for _, line := range strings.Split(sql, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
