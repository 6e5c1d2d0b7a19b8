// Package bench supplies benchmark items, turns them into prompts and scores
// model responses. The defaults here are intentionally small; real datasets
// are loaded from JSONL files through FileProvider.
package bench

import (
	"context"
	"fmt"
	"strings"
)

// Item is one benchmark question.
type Item struct {
	ID        string   `json:"id"`
	Benchmark string   `json:"benchmark"`
	Subset    string   `json:"subset,omitempty"`
	Question  string   `json:"question,omitempty"`
	Context   string   `json:"context,omitempty"`
	Choices   []string `json:"choices,omitempty"` // MMLU choices or HellaSwag endings
	Answer    string   `json:"answer"`            // reference answer, choice index or needle content
}

// Provider loads the first n items of a benchmark.
type Provider interface {
	Items(ctx context.Context, benchmark string, n int) ([]Item, error)
}

// Formatter renders an item as the base (A) prompt.
type Formatter interface {
	Format(item Item) (string, error)
}

// Evaluation is the scored outcome of one response.
type Evaluation struct {
	Expected  string
	Extracted string
	Method    string
	Correct   bool
}

// Evaluator scores a response against an item.
type Evaluator interface {
	Evaluate(item Item, response string) Evaluation
}

// DefaultFormatter renders the four built-in benchmarks.
type DefaultFormatter struct{}

// Format implements Formatter.
func (DefaultFormatter) Format(item Item) (string, error) {
	switch item.Benchmark {
	case "gsm8k":
		return "Solve this math problem step by step, then give your final answer after ####.\n\nProblem: " + item.Question, nil
	case "mmlu":
		lines := make([]string, len(item.Choices))
		for i, c := range item.Choices {
			lines[i] = fmt.Sprintf("%c. %s", 'A'+i, c)
		}
		return fmt.Sprintf("Answer the following multiple choice question. Reply with just the letter (A, B, C, or D).\n\nQuestion: %s\n\n%s",
			item.Question, strings.Join(lines, "\n")), nil
	case "hellaswag":
		lines := make([]string, len(item.Choices))
		for i, e := range item.Choices {
			lines[i] = fmt.Sprintf("%d. %s", i, e)
		}
		return fmt.Sprintf("Complete the sentence. Reply with just the number (0, 1, 2, or 3).\n\nContext: %s\n\nOptions:\n%s",
			item.Context, strings.Join(lines, "\n")), nil
	case "niah":
		return fmt.Sprintf("Read the following document carefully, then answer the question.\n\nDocument:\n%s\n\nQuestion: %s",
			item.Context, item.Question), nil
	}
	return "", fmt.Errorf("unknown benchmark %q", item.Benchmark)
}
