package service

import (
	"bufio"
	"os"
	"strings"
)

const maxHints = 4

// HintBook holds operator-written "keywords: hint" lines. Hints whose
// keywords occur in a prompt are passed to the refiner.
type HintBook struct {
	entries []hintEntry
}

type hintEntry struct {
	keywords []string
	hint     string
}

// LoadHintBook reads path. An empty path yields an empty book.
func LoadHintBook(path string) (*HintBook, error) {
	if strings.TrimSpace(path) == "" {
		return &HintBook{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	book := &HintBook{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kw, hint, ok := strings.Cut(line, ":")
		hint = strings.TrimSpace(hint)
		if !ok || hint == "" {
			continue
		}
		var keywords []string
		for _, k := range strings.Split(strings.ToLower(kw), ",") {
			if k = strings.TrimSpace(k); k != "" {
				keywords = append(keywords, k)
			}
		}
		if len(keywords) > 0 {
			book.entries = append(book.entries, hintEntry{keywords: keywords, hint: hint})
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return book, nil
}

func (b *HintBook) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// Match returns up to maxHints hints in file order.
func (b *HintBook) Match(prompt string) []string {
	if b == nil {
		return nil
	}
	lp := strings.ToLower(prompt)
	var out []string
	for _, e := range b.entries {
		for _, kw := range e.keywords {
			if strings.Contains(lp, kw) {
				out = append(out, e.hint)
				break
			}
		}
		if len(out) == maxHints {
			break
		}
	}
	return out
}
