package bench

import (
	"regexp"
	"strconv"
	"strings"
)

// MatchEvaluator applies lightweight answer extraction per benchmark:
// final-number matching for gsm8k, letter or index matching for the
// multiple-choice benchmarks and needle lookup for niah.
type MatchEvaluator struct{}

var (
	finalMarker  = regexp.MustCompile(`####\s*(-?\d+\.?\d*)`)
	anyNumber    = regexp.MustCompile(`-?\d+\.?\d*`)
	choiceLetter = regexp.MustCompile(`\b([A-Da-d])(?:\)|\.|\s|$)`)
	choiceIndex  = regexp.MustCompile(`([0-3])`)
	digits       = regexp.MustCompile(`\d+`)
)

// Evaluate implements Evaluator.
func (MatchEvaluator) Evaluate(item Item, response string) Evaluation {
	switch item.Benchmark {
	case "gsm8k":
		return evalNumeric(item.Answer, response)
	case "mmlu":
		return evalLetter(item, response)
	case "hellaswag":
		ev := Evaluation{Expected: strings.TrimSpace(item.Answer), Method: "none"}
		if m := choiceIndex.FindStringSubmatch(response); m != nil {
			ev.Extracted, ev.Method = m[1], "index_match"
		}
		ev.Correct = ev.Extracted != "" && ev.Extracted == ev.Expected
		return ev
	case "niah":
		return evalNeedle(item.Answer, response)
	}
	ev := Evaluation{Expected: item.Answer, Extracted: strings.TrimSpace(response), Method: "exact"}
	ev.Correct = strings.EqualFold(ev.Expected, ev.Extracted)
	return ev
}

func evalNumeric(answer, response string) Evaluation {
	expected := strings.TrimSpace(answer)
	if i := strings.LastIndex(expected, "####"); i >= 0 {
		expected = strings.TrimSpace(expected[i+4:])
	}
	if m := anyNumber.FindString(expected); m != "" {
		expected = m
	}

	ev := Evaluation{Expected: expected, Method: "none"}
	if m := finalMarker.FindStringSubmatch(response); m != nil {
		ev.Extracted, ev.Method = m[1], "gsm8k_format"
	} else if all := anyNumber.FindAllString(response, -1); len(all) > 0 {
		ev.Extracted, ev.Method = all[len(all)-1], "last_number"
	}
	ev.Correct = ev.Extracted != "" && normalizeNumber(ev.Extracted) == normalizeNumber(expected)
	return ev
}

func normalizeNumber(s string) string {
	f, err := strconv.ParseFloat(strings.TrimSuffix(s, "."), 64)
	if err != nil {
		return s
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func evalLetter(item Item, response string) Evaluation {
	expected := strings.ToUpper(strings.TrimSpace(item.Answer))
	if n, err := strconv.Atoi(expected); err == nil && n >= 0 && n < 26 {
		expected = string(rune('A' + n))
	}
	ev := Evaluation{Expected: expected, Method: "none"}
	if m := choiceLetter.FindStringSubmatch(response); m != nil {
		ev.Extracted, ev.Method = strings.ToUpper(m[1]), "letter_match"
	} else {
		lower := strings.ToLower(response)
		for i, c := range item.Choices {
			if c != "" && strings.Contains(lower, strings.ToLower(c)) {
				ev.Extracted, ev.Method = string(rune('A'+i)), "choice_text_match"
				break
			}
		}
	}
	ev.Correct = ev.Extracted != "" && ev.Extracted == expected
	return ev
}

func evalNeedle(needle, response string) Evaluation {
	ev := Evaluation{Expected: truncate(needle, 100), Extracted: truncate(strings.TrimSpace(response), 100), Method: "full_response"}
	if nums := digits.FindAllString(needle, -1); len(nums) > 0 {
		for _, n := range nums {
			if strings.Contains(response, n) {
				ev.Correct, ev.Extracted, ev.Method = true, n, "number_extraction"
				return ev
			}
		}
		return ev
	}
	var keys, hits int
	lower := strings.ToLower(response)
	for _, w := range strings.Fields(needle) {
		if len(w) > 4 {
			keys++
			if strings.Contains(lower, strings.ToLower(w)) {
				hits++
			}
		}
	}
	if keys > 0 && hits*2 >= keys {
		ev.Correct, ev.Method = true, "keyword_overlap"
	}
	return ev
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
