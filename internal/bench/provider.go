package bench

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PlaceholderProvider generates synthetic items so a worker can run without
// any dataset on disk. Needle-in-a-haystack items are derived from Seed.
type PlaceholderProvider struct {
	Seed          uint64
	ContextTokens int // haystack size for niah items (default 1000)
}

// Items implements Provider.
func (p PlaceholderProvider) Items(_ context.Context, benchmark string, n int) ([]Item, error) {
	items := make([]Item, 0, n)
	switch benchmark {
	case "gsm8k":
		for i := range n {
			items = append(items, Item{
				ID:        fmt.Sprintf("gsm8k_placeholder_%d", i),
				Benchmark: benchmark,
				Question:  fmt.Sprintf("What is %d + %d?", i+1, i+2),
				Answer:    fmt.Sprintf("#### %d", 2*i+3),
			})
		}
	case "mmlu":
		for i := range n {
			items = append(items, Item{
				ID:        fmt.Sprintf("mmlu_placeholder_%d", i),
				Benchmark: benchmark,
				Subset:    "placeholder",
				Question:  fmt.Sprintf("What is the capital of country %d?", i),
				Choices:   []string{"Paris", "London", "Berlin", "Madrid"},
				Answer:    strconv.Itoa(i % 4),
			})
		}
	case "hellaswag":
		for i := range n {
			items = append(items, Item{
				ID:        fmt.Sprintf("hellaswag_placeholder_%d", i),
				Benchmark: benchmark,
				Context:   "A person walks into a room and...",
				Choices:   []string{"sits down", "leaves", "jumps", "sleeps"},
				Answer:    strconv.Itoa(i % 4),
			})
		}
	case "niah":
		items = p.needles(n)
	default:
		return nil, fmt.Errorf("no placeholder items for benchmark %q", benchmark)
	}
	return items, nil
}

const haystackFiller = "The quick brown fox jumps over the lazy dog. "

func (p PlaceholderProvider) needles(n int) []Item {
	tokens := p.ContextTokens
	if tokens <= 0 {
		tokens = 1000
	}
	rng := rand.New(rand.NewPCG(p.Seed, uint64(tokens)))
	filler := strings.Repeat(haystackFiller, 50)
	const question = "What is the secret code mentioned in the document?"

	items := make([]Item, 0, n)
	for i := range n {
		secret := 1000 + rng.IntN(9000)
		needle := fmt.Sprintf("The secret code for this document is %d.", secret)
		// roughly four characters per token
		chars := max(100, (tokens-len(needle)/4-len(question)/4)*4)
		hay := filler[:min(chars, len(filler))]
		pos := int(float64(len(hay)) * rng.Float64())
		items = append(items, Item{
			ID:        fmt.Sprintf("niah_%d_%d", tokens, i),
			Benchmark: "niah",
			Subset:    fmt.Sprintf("%dtok", tokens),
			Context:   hay[:pos] + " " + needle + " " + hay[pos:],
			Question:  question,
			Answer:    strconv.Itoa(secret),
		})
	}
	return items
}

// FileProvider reads <Dir>/<benchmark>.jsonl, one Item per line. Benchmarks
// without a file are served by Fallback when set.
type FileProvider struct {
	Dir      string
	Fallback Provider
}

// Items implements Provider.
func (p FileProvider) Items(ctx context.Context, benchmark string, n int) ([]Item, error) {
	path := filepath.Join(p.Dir, benchmark+".jsonl")
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) && p.Fallback != nil {
		return p.Fallback.Items(ctx, benchmark, n)
	}
	if err != nil {
		return nil, fmt.Errorf("open items %s: %w", path, err)
	}
	defer f.Close()

	var items []Item
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() && len(items) < n {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var it Item
		if err := json.Unmarshal([]byte(text), &it); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if it.Benchmark == "" {
			it.Benchmark = benchmark
		}
		if it.ID == "" {
			it.ID = fmt.Sprintf("%s_%d", benchmark, line-1)
		}
		items = append(items, it)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read items %s: %w", path, err)
	}
	return items, nil
}
