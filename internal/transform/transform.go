// Package transform implements the re-tokenisation strategies applied to the
// second (B) pass of a prompt. Every strategy keeps the semantic content of
// its input and only changes how a tokenizer is likely to split it.
package transform

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Func rewrites text.
type Func func(string) string

// Identity is the "none" strategy.
const Identity = "none"

// Strategy names.
const (
	CamelCasePairs = "b1a_camelcase_pairs"
	CamelCaseAll   = "b1b_camelcase_all"
	UnderscoreJoin = "b1c_underscore_join"
	Hyphenation    = "b1d_hyphenation"
	CompoundSplit  = "b1e_compound_split"
	DigitSpacing   = "b2a_digit_spacing"
	LowercaseAll   = "b3a_lowercase_all"
	UppercaseAll   = "b3b_uppercase_all"
	DelimiterSwap  = "b4a_delimiter_swap"
	WordNumbers    = "b6b_word_numbers"
)

// Registry maps strategy names to their functions.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry returns a registry holding the identity strategy and every
// built-in rewrite.
func NewRegistry() *Registry {
	return &Registry{funcs: map[string]Func{
		Identity:       func(s string) string { return s },
		CamelCasePairs: camelCasePairs,
		CamelCaseAll:   camelCaseAll,
		UnderscoreJoin: underscoreJoin,
		Hyphenation:    hyphenation,
		CompoundSplit:  compoundSplit,
		DigitSpacing:   digitSpacing,
		LowercaseAll:   strings.ToLower,
		UppercaseAll:   strings.ToUpper,
		DelimiterSwap:  delimiterSwap,
		WordNumbers:    wordNumbers,
	}}
}

// Register adds or replaces a strategy.
func (r *Registry) Register(name string, fn Func) {
	r.funcs[name] = fn
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.funcs[name]
	return ok
}

// Names returns the registered strategy names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Apply runs the named strategy over text.
func (r *Registry) Apply(name, text string) (string, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return "", fmt.Errorf("unknown strategy %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return fn(text), nil
}

// capitalize upper-cases the first rune and lower-cases the rest.
func capitalize(w string) string {
	r, size := utf8.DecodeRuneInString(w)
	if r == utf8.RuneError && size == 0 {
		return w
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
}

// "the quick brown fox" -> "theQuick brownFox"
func camelCasePairs(text string) string {
	words := strings.Fields(text)
	out := make([]string, 0, (len(words)+1)/2)
	for i := 0; i < len(words); i += 2 {
		if i+1 < len(words) {
			out = append(out, words[i]+capitalize(words[i+1]))
		} else {
			out = append(out, words[i])
		}
	}
	return strings.Join(out, " ")
}

// "the quick brown fox" -> "theQuickBrownFox"
func camelCaseAll(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(words[0]))
	for _, w := range words[1:] {
		b.WriteString(capitalize(w))
	}
	return b.String()
}

func underscoreJoin(text string) string {
	return strings.ReplaceAll(text, " ", "_")
}

var firstSyllable = regexp.MustCompile(`^([^aeiou]*[aeiou]+[^aeiou]+)`)

// Words longer than six letters get a hyphen after the first vowel cluster
// and its trailing consonants: "understanding" -> "und-erstanding".
func hyphenation(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = hyphenate(w)
	}
	return strings.Join(words, " ")
}

func hyphenate(word string) string {
	runes := []rune(word)
	if len(runes) <= 6 || !isAlpha(runes) {
		return word
	}
	m := firstSyllable.FindString(strings.ToLower(word))
	split := utf8.RuneCountInString(m)
	if m == "" || split < 2 || split >= len(runes)-2 {
		return word
	}
	return string(runes[:split]) + "-" + string(runes[split:])
}

func isAlpha(runes []rune) bool {
	for _, r := range runes {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return len(runes) > 0
}

var compoundPrefixes = []string{"un", "re", "pre", "dis", "mis", "non", "over", "under", "out", "sub"}

// "something" -> "some thing", "unhappily" -> "un happily"
func compoundSplit(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = splitCompound(w)
	}
	return strings.Join(words, " ")
}

func splitCompound(word string) string {
	n := utf8.RuneCountInString(word)
	if n <= 6 {
		return word
	}
	lower := strings.ToLower(word)
	runes := []rune(word)
	for _, p := range compoundPrefixes {
		if strings.HasPrefix(lower, p) && n > len(p)+2 {
			return string(runes[:len(p)]) + " " + string(runes[len(p):])
		}
	}
	for _, suffix := range []string{"thing", "stand"} {
		if strings.HasSuffix(lower, suffix) && n > 7 {
			return string(runes[:n-5]) + " " + string(runes[n-5:])
		}
	}
	return word
}

// "381" -> "3 8 1"
func digitSpacing(text string) string {
	var b strings.Builder
	b.Grow(len(text) * 2)
	for i := 0; i < len(text); i++ {
		c := text[i]
		b.WriteByte(c)
		if isDigit(c) && i+1 < len(text) && isDigit(text[i+1]) {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

type delimiterPair struct{ from, to string }

var delimiterSwaps = []delimiterPair{
	{"###", "---"},
	{"---", "***"},
	{"***", "==="},
	{"===", "###"},
	{"```", "'''"},
	{"'''", "```"},
}

// Each delimiter is first replaced by a unique placeholder so a swapped
// delimiter is never swapped again.
func delimiterSwap(text string) string {
	for i, d := range delimiterSwaps {
		text = strings.ReplaceAll(text, d.from, delimiterPlaceholder(i))
	}
	for i, d := range delimiterSwaps {
		text = strings.ReplaceAll(text, delimiterPlaceholder(i), d.to)
	}
	return text
}

func delimiterPlaceholder(i int) string {
	return "\x00DELIM" + strconv.Itoa(i) + "\x00"
}

var (
	standaloneNumber = regexp.MustCompile(`\b\d+\b`)
	smallNumbers     = [...]string{
		"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
		"seventeen", "eighteen", "nineteen", "twenty",
	}
	tensWords = map[int]string{
		20: "twenty", 30: "thirty", 40: "forty", 50: "fifty",
		60: "sixty", 70: "seventy", 80: "eighty", 90: "ninety",
	}
)

// Integers 0-99 become words ("42" -> "forty-two"); larger numbers are kept.
func wordNumbers(text string) string {
	return standaloneNumber.ReplaceAllStringFunc(text, func(s string) string {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n >= 100 {
			return s
		}
		return numberWords(n)
	})
}

func numberWords(n int) string {
	if n <= 20 {
		return smallNumbers[n]
	}
	tens, ones := n/10*10, n%10
	if ones == 0 {
		return tensWords[tens]
	}
	return tensWords[tens] + "-" + smallNumbers[ones]
}
