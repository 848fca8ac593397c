// Package usage records and summarizes token usage of completions.
package usage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Record is the token usage of one completion.
type Record struct {
	SessionID    string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CreatedAt    time.Time
}

// Recorder stores usage records.
type Recorder interface {
	RecordUsage(ctx context.Context, r Record) error
}

// Summary aggregates records for one provider and model.
type Summary struct {
	Provider     string
	Model        string
	Calls        int
	InputTokens  int
	OutputTokens int
}

// Total returns input plus output tokens.
func (s Summary) Total() int { return s.InputTokens + s.OutputTokens }

// Summarize groups records by provider and model, sorted.
func Summarize(records []Record) []Summary {
	type key struct{ provider, model string }
	byKey := make(map[key]*Summary)
	for _, r := range records {
		k := key{r.Provider, r.Model}
		s, ok := byKey[k]
		if !ok {
			s = &Summary{Provider: r.Provider, Model: r.Model}
			byKey[k] = s
		}
		s.Calls++
		s.InputTokens += r.InputTokens
		s.OutputTokens += r.OutputTokens
	}

	out := make([]Summary, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// BuildReviewSummary renders records from the last lookback as markdown.
func BuildReviewSummary(records []Record, lookback time.Duration) string {
	if len(records) == 0 {
		return fmt.Sprintf("No LLM calls recorded in the last %s.", lookback)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Recent LLM Calls (last %s)\n\n", lookback)

	totalIn, totalOut := 0, 0
	for _, r := range records {
		totalIn += r.InputTokens
		totalOut += r.OutputTokens
	}
	fmt.Fprintf(&sb, "- **Total calls**: %d\n", len(records))
	fmt.Fprintf(&sb, "- **Total tokens**: %d input + %d output = %d\n", totalIn, totalOut, totalIn+totalOut)

	sb.WriteString("\n### By Model\n\n")
	for _, s := range Summarize(records) {
		fmt.Fprintf(&sb, "- `%s` | %s | %d calls | %d+%d tokens\n",
			s.Provider, s.Model, s.Calls, s.InputTokens, s.OutputTokens)
	}
	return sb.String()
}
