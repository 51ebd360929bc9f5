package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SQLFiles writes every generated statement to its own file,
// query_<seq>_<YYYYMMDD_HHMMSS>.sql, headed by its purpose comment.
// Only generated statements are written; other records are ignored.
type SQLFiles struct {
	dir string
}

func OpenSQLFiles(dir string) (*SQLFiles, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &SQLFiles{dir: dir}, nil
}

// FileName is the name a generated statement is stored under.
func FileName(g Generated) string {
	return fmt.Sprintf("query_%d_%s.sql", g.Seq, g.CreatedAt.Format("20060102_150405"))
}

func (s *SQLFiles) RecordGenerated(_ context.Context, g Generated) error {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimSpace(g.Comment), "\n") {
		b.WriteString("-- ")
		b.WriteString(strings.TrimSpace(line))
		b.WriteString("\n")
	}
	b.WriteString(strings.TrimSpace(g.SQL))
	b.WriteString("\n")
	path := filepath.Join(s.dir, FileName(g))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *SQLFiles) RecordOutcome(context.Context, Outcome) error { return nil }
func (s *SQLFiles) RecordDropped(context.Context, Dropped) error { return nil }
func (s *SQLFiles) RecordEvent(context.Context, Event) error     { return nil }
func (s *SQLFiles) Close() error                                 { return nil }
