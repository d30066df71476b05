package duckdb

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"
)

// maxQueryRows caps the rows returned by ExecuteQuery.
const maxQueryRows = 1000

// dangerousKeywordPattern matches write or admin keywords at word boundaries,
// so "RESET" does not match "SET".
var dangerousKeywordPattern = regexp.MustCompile(
	`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|COPY|ATTACH|DETACH|LOAD|EXPORT|IMPORT|INSTALL|CALL|EXECUTE|PRAGMA|SET)\b`,
)

var blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)

// stripSQLComments removes -- line comments and /* */ block comments.
func stripSQLComments(query string) string {
	cleaned := blockCommentPattern.ReplaceAllString(query, " ")
	var result strings.Builder
	for _, line := range strings.Split(cleaned, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		result.WriteString(line)
		result.WriteByte('\n')
	}
	return result.String()
}

func (s *Store) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.QueryTimeout)
}

// streamFilter returns a WHERE clause and args when stream is non-empty.
func streamFilter(stream string) (clause string, args []any) {
	if stream != "" {
		return " WHERE stream = ?", []any{stream}
	}
	return "", nil
}

// LineCount returns the number of captured lines for stream, or for all
// streams when stream is empty.
func (s *Store) LineCount(stream string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	where, args := streamFilter(stream)
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM lines"+where, args...).Scan(&count)
	return count, err
}

// RecentLines returns up to limit of the most recently captured lines, oldest
// first.
func (s *Store) RecentLines(stream string, limit int) ([]LineRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	where, args := streamFilter(stream)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, captured_at, stream, severity, line FROM lines"+where+
			" ORDER BY captured_at DESC, seq DESC LIMIT ?", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []LineRecord
	for rows.Next() {
		var r LineRecord
		var seq int64
		if err := rows.Scan(&seq, &r.CapturedAt, &r.Stream, &r.Severity, &r.Line); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// SeverityCounts returns captured line counts per severity.
func (s *Store) SeverityCounts(stream string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	where, args := streamFilter(stream)
	rows, err := s.db.QueryContext(ctx, "SELECT severity, COUNT(*) FROM lines"+where+" GROUP BY severity", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var severity string
		var count int64
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		counts[severity] = count
	}
	return counts, rows.Err()
}

// ExecuteQuery runs a read-only SQL query and returns results as maps.
// Only SELECT/WITH queries are allowed; DDL/DML is rejected.
func (s *Store) ExecuteQuery(query string) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(query)

	if strings.Contains(trimmed, ";") {
		return nil, fmt.Errorf("query must not contain semicolons")
	}

	// Keywords hidden in comments are still caught after stripping.
	stripped := strings.TrimSpace(stripSQLComments(trimmed))
	upper := strings.ToUpper(stripped)

	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return nil, fmt.Errorf("only SELECT/WITH queries are allowed")
	}
	if match := dangerousKeywordPattern.FindString(stripped); match != "" {
		return nil, fmt.Errorf("query contains disallowed keyword: %s", strings.ToUpper(match))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]any
	for rows.Next() && len(results) < maxQueryRows {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			log.Printf("duckdb: scan error (ExecuteQuery): %v", err)
			continue
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	return results, rows.Err()
}

// SchemaDescription returns a human-readable description of the capture table.
func (s *Store) SchemaDescription() string {
	return `Table 'lines': seq (BIGINT, position within stream), captured_at (TIMESTAMP), ` +
		`stream (VARCHAR: stdout/stderr/stdin/tcp:<addr>), ` +
		`severity (VARCHAR: TRACE/DEBUG/INFO/WARN/ERROR/FATAL), line (VARCHAR).`
}

// DeleteBefore removes lines captured before cutoff and returns how many were
// deleted.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM lines WHERE captured_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("duckdb: delete expired lines: %w", err)
	}
	return res.RowsAffected()
}
