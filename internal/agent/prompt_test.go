package agent

import (
	"errors"
	"strings"
	"testing"

	"github.com/n-kumar7/sqlagent/internal/schema"
)

func shopSnapshot() *schema.Snapshot {
	return schema.NewBuilder().
		Add("public.customers", "id", "integer").
		Add("public.customers", "name", "text").
		Add("public.orders", "id", "integer").
		Add("public.orders", "customer_id", "integer").
		Add("public.orders", "total", "numeric").
		Build()
}

func TestBuildPrompt_Deterministic(t *testing.T) {
	snap := shopSnapshot()
	history := []string{"SELECT count(*)\nFROM public.orders"}
	a := BuildPrompt("find top customers", snap, history)
	b := BuildPrompt("find top customers", snap, history)
	if a != b {
		t.Fatal("prompt is not deterministic")
	}
	for _, want := range []string{"public.customers", "public.orders", "customer_id (integer)", "find top customers", "1. SELECT count(*) FROM public.orders", "DONE"} {
		if !strings.Contains(a, want) {
			t.Errorf("prompt missing %q:\n%s", want, a)
		}
	}
}

func TestBuildPrompt_NoHistorySection(t *testing.T) {
	p := BuildPrompt("goal", shopSnapshot(), nil)
	if strings.Contains(p, "already generated") {
		t.Fatal("history section rendered without history")
	}
	if !strings.Contains(BuildPrompt("goal", nil, nil), "(no tables visible)") {
		t.Fatal("nil snapshot should render placeholder")
	}
}

func TestExtractSQL(t *testing.T) {
	cases := []struct {
		name        string
		reply       string
		wantSQL     string
		wantComment string
	}{
		{
			name:        "purpose prefix",
			reply:       "Here you go:\n```sql\n-- Purpose: count orders\nSELECT count(*) FROM orders;\n```\n",
			wantSQL:     "SELECT count(*) FROM orders;",
			wantComment: "count orders",
		},
		{
			name:        "uppercase fence and plain comment",
			reply:       "```SQL\n-- biggest spenders\nSELECT c.name\nFROM customers c\n```",
			wantSQL:     "SELECT c.name\nFROM customers c",
			wantComment: "biggest spenders",
		},
		{
			name:        "no comment",
			reply:       "```sql\nWITH t AS (SELECT 1) SELECT * FROM t\n```",
			wantSQL:     "WITH t AS (SELECT 1) SELECT * FROM t",
			wantComment: DefaultComment,
		},
		{
			name:        "unlabelled fence",
			reply:       "```\n-- Purpose: touch\nUPDATE orders SET total = total\n```",
			wantSQL:     "UPDATE orders SET total = total",
			wantComment: "touch",
		},
		{
			name:        "only first comment is taken",
			reply:       "```sql\n-- Purpose: a\n-- keep me\n(SELECT 1)\n```",
			wantSQL:     "-- keep me\n(SELECT 1)",
			wantComment: "a",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractSQL(tc.reply)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.SQL != tc.wantSQL {
				t.Fatalf("sql: got %q want %q", got.SQL, tc.wantSQL)
			}
			if got.Comment != tc.wantComment {
				t.Fatalf("comment: got %q want %q", got.Comment, tc.wantComment)
			}
		})
	}
}

func TestExtractSQL_Malformed(t *testing.T) {
	for name, reply := range map[string]string{
		"no fence":     "SELECT 1",
		"empty fence":  "```sql\n\n```",
		"comment only": "```sql\n-- Purpose: nothing\n```",
		"prose":        "```sql\nI cannot help with that\n```",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ExtractSQL(reply)
			if !errors.Is(err, ErrMalformedOutput) {
				t.Fatalf("expected ErrMalformedOutput, got %v", err)
			}
		})
	}
}

func TestIsDone(t *testing.T) {
	for reply, want := range map[string]bool{
		"DONE":                          true,
		" done.\n":                      true,
		"```sql\nSELECT 'DONE'\n```":    false,
		"I am DONE with this task soon": false,
		"":                              false,
	} {
		if got := IsDone(reply); got != want {
			t.Errorf("IsDone(%q) = %v, want %v", reply, got, want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	cases := map[string]struct {
		err  error
		want ErrorClass
	}{
		"auth":      {errors.New("401 Unauthorized"), ErrorClassAuth},
		"rate":      {errors.New("429 Too Many Requests"), ErrorClassRateLimit},
		"timeout":   {errors.New("request timed out"), ErrorClassTimeout},
		"billing":   {errors.New("billing hard limit reached"), ErrorClassBilling},
		"overflow":  {errors.New("context window exceeded"), ErrorClassContextOverflow},
		"malformed": {ErrMalformedOutput, ErrorClassMalformed},
		"unknown":   {errors.New("weird"), ErrorClassUnknown},
		"nil":       {nil, ErrorClassUnknown},
	}
	for name, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Errorf("%s: got %s want %s", name, got, tc.want)
		}
	}
}
