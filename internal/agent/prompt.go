package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/n-kumar7/sqlagent/internal/schema"
)

const systemPrompt = `You are an expert data scientist and SQL specialist generating realistic PostgreSQL workload.
Reply with exactly one query in a fenced code block, starting with a short purpose comment:
` + "```sql\n-- Purpose: ...\nSELECT ...\n```" + `
Only reference tables and columns that exist in the schema you are given.
When you have nothing more to add, reply with DONE outside any code block.`

// DefaultComment is used when the reply has no leading -- line.
const DefaultComment = "No purpose comment provided by LLM"

// Statement is one extracted query.
type Statement struct {
	SQL     string
	Comment string
}

// BuildPrompt renders the user prompt. The output depends only on its
// arguments.
func BuildPrompt(goal string, snap *schema.Snapshot, history []string) string {
	var b strings.Builder
	b.WriteString("You have the following schema:\n\n")
	if snap == nil {
		b.WriteString("(no tables visible)\n")
	} else {
		b.WriteString(snap.Format())
	}
	fmt.Fprintf(&b, "\nThe user's goal is: %s\n", strings.TrimSpace(goal))
	if len(history) > 0 {
		b.WriteString("\nQueries you already generated (do not repeat them):\n")
		for i, q := range history {
			fmt.Fprintf(&b, "%d. %s\n", i+1, oneLine(q))
		}
	}
	b.WriteString("\nPlease provide your next SQL query in a fenced code block, or say DONE if you have no more queries.")
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var (
	sqlFence     = regexp.MustCompile("(?is)```sql[ \t]*\r?\n(.*?)```")
	genericFence = regexp.MustCompile("(?s)```[A-Za-z]*[ \t]*\r?\n(.*?)```")
	purposeRE    = regexp.MustCompile(`(?i)^purpose:\s*`)
)

var sqlKeywords = map[string]bool{
	"SELECT": true, "WITH": true, "INSERT": true, "UPDATE": true, "DELETE": true,
	"CREATE": true, "ALTER": true, "DROP": true, "EXPLAIN": true, "VALUES": true,
	"TRUNCATE": true, "SHOW": true, "ANALYZE": true, "TABLE": true, "MERGE": true,
	"BEGIN": true, "COMMIT": true, "SET": true, "VACUUM": true, "REFRESH": true,
	"CALL": true, "DO": true, "LOCK": true, "COPY": true, "GRANT": true, "REVOKE": true,
}

// ExtractSQL pulls the statement and its purpose comment out of a reply.
// The first ```sql block wins; an unlabelled block is accepted when no
// sql block exists.
func ExtractSQL(reply string) (Statement, error) {
	m := sqlFence.FindStringSubmatch(reply)
	if m == nil {
		m = genericFence.FindStringSubmatch(reply)
	}
	if m == nil {
		return Statement{}, fmt.Errorf("%w: no fenced code block", ErrMalformedOutput)
	}
	body := strings.TrimSpace(m[1])
	if body == "" {
		return Statement{}, fmt.Errorf("%w: empty code block", ErrMalformedOutput)
	}

	var comment string
	var lines []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if comment == "" && strings.HasPrefix(trimmed, "--") {
			comment = strings.TrimSpace(strings.TrimLeft(trimmed, "-"))
			comment = purposeRE.ReplaceAllString(comment, "")
			if comment == "" {
				// a bare "--" still counts as the comment line
				comment = DefaultComment
			}
			continue
		}
		lines = append(lines, strings.TrimRight(line, " \t\r"))
	}
	if comment == "" {
		comment = DefaultComment
	}
	sql := strings.TrimSpace(strings.Join(lines, "\n"))
	if sql == "" {
		return Statement{}, fmt.Errorf("%w: code block holds only a comment", ErrMalformedOutput)
	}
	if !startsWithKeyword(sql) {
		return Statement{}, fmt.Errorf("%w: no SQL keyword", ErrMalformedOutput)
	}
	return Statement{SQL: sql, Comment: comment}, nil
}

func startsWithKeyword(sql string) bool {
	for _, line := range strings.Split(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		word := strings.FieldsFunc(trimmed, func(r rune) bool {
			return r == ' ' || r == '\t' || r == '(' || r == ';'
		})
		if len(word) == 0 {
			return false
		}
		return sqlKeywords[strings.ToUpper(word[0])]
	}
	return false
}

// IsDone reports whether the reply is the end-of-run marker.
func IsDone(reply string) bool {
	if strings.Contains(reply, "```") {
		return false
	}
	word := strings.Trim(strings.TrimSpace(reply), ".!\"'`")
	return strings.EqualFold(word, "DONE")
}
