package store

import (
	"fmt"
	"strings"
)

// Forbidden substrings inside explorer queries; uppercase match after the
// SELECT prefix check closes keyword-smuggling via casing.
var forbiddenVerbs = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE",
	"ATTACH", "DETACH", "PRAGMA", "REPLACE", "VACUUM",
}

const explorerRowCap = 1000

// ExplorerResult is the shape returned by the admin SQL explorer.
type ExplorerResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Count   int      `json:"count"`
}

// Tables returns every user table with its row count.
func (s *Store) Tables() (map[string]int, error) {
	var names []string
	if err := s.db.Select(&names,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(names))
	for _, name := range names {
		var n int
		if err := s.db.Get(&n, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, name)); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, nil
}

// Schema returns the CREATE statements of every user table.
func (s *Store) Schema() (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT name, sql FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var name, ddl string
		if err := rows.Scan(&name, &ddl); err != nil {
			return nil, err
		}
		out[name] = ddl
	}
	return out, rows.Err()
}

// Query runs one read-only SELECT for the admin SQL explorer. Only a single
// SELECT statement is permitted; write verbs anywhere in the text are
// rejected, and results are capped.
func (s *Store) Query(q string) (*ExplorerResult, error) {
	trimmed := strings.TrimSpace(q)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") {
		return nil, fmt.Errorf("only SELECT queries are allowed")
	}
	if strings.Count(trimmed, ";") > 1 ||
		(strings.Contains(trimmed, ";") && !strings.HasSuffix(trimmed, ";")) {
		return nil, fmt.Errorf("only a single statement is allowed")
	}
	for _, verb := range forbiddenVerbs {
		if strings.Contains(upper, verb) {
			return nil, fmt.Errorf("forbidden keyword: %s", verb)
		}
	}

	rows, err := s.db.Query(trimmed)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &ExplorerResult{Columns: cols}
	for rows.Next() && result.Count < explorerRowCap {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
		result.Count++
	}
	return result, rows.Err()
}
