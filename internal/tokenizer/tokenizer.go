package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"html"
	"os"
	"strings"

	"github.com/dlclark/regexp2"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrEncoding = errors.New("text could not be encoded")
	ErrNoTokens = fmt.Errorf("%w: no tokens", ErrEncoding)
	ErrTooLong  = fmt.Errorf("%w: text too long", ErrEncoding)
)

// Padding is the token id used to fill sequences up to their fixed length.
const Padding int32 = 0

const pretokenizer = `<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|\p{L}+|\p{N}|[^\s\p{L}\p{N}]+`

type Tokenizer interface {
	Tokenize(text string, maxLength int) ([]int32, error)
}

type Option func(*Simple)

// WithTruncate drops tokens past maxLength instead of failing.
func WithTruncate(truncate bool) Option {
	return func(s *Simple) { s.truncate = truncate }
}

func WithVocabulary(vocab map[string]int32) Option {
	return func(s *Simple) { s.vocab = vocab }
}

// Simple splits cleaned text into words and maps each to an id, either from
// a vocabulary or by hashing into [1, numTokens).
type Simple struct {
	numTokens int
	truncate  bool
	vocab     map[string]int32
	re        *regexp2.Regexp
}

func NewSimple(numTokens int, opts ...Option) (*Simple, error) {
	if numTokens < 2 {
		return nil, fmt.Errorf("vocabulary size must be at least 2, got %d", numTokens)
	}
	s := &Simple{
		numTokens: numTokens,
		re:        regexp2.MustCompile(pretokenizer, regexp2.Unicode),
	}
	for _, opt := range opts {
		opt(s)
	}
	for word, id := range s.vocab {
		if id <= Padding || int(id) >= numTokens {
			return nil, fmt.Errorf("vocabulary id %d for %q out of range [1, %d)", id, word, numTokens)
		}
	}
	return s, nil
}

// LoadVocabulary reads a JSON object of word to id.
func LoadVocabulary(path string) (map[string]int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	var vocab map[string]int32
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("parse vocabulary %s: %w", path, err)
	}
	return vocab, nil
}

func (s *Simple) Tokenize(text string, maxLength int) ([]int32, error) {
	words, err := s.split(clean(text))
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, ErrNoTokens
	}
	if len(words) > maxLength {
		if !s.truncate {
			return nil, fmt.Errorf("%w: %d tokens, limit %d", ErrTooLong, len(words), maxLength)
		}
		words = words[:maxLength]
	}

	tokens := make([]int32, maxLength)
	for i, w := range words {
		tokens[i] = s.id(w)
	}
	return tokens, nil
}

func (s *Simple) split(text string) ([]string, error) {
	var words []string
	m, err := s.re.FindStringMatch(text)
	for ; m != nil && err == nil; m, err = s.re.FindNextMatch(m) {
		words = append(words, m.String())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return words, nil
}

func (s *Simple) id(word string) int32 {
	if id, ok := s.vocab[word]; ok {
		return id
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(word))
	return int32(h.Sum32()%uint32(s.numTokens-1)) + 1
}

func clean(text string) string {
	text = html.UnescapeString(html.UnescapeString(text))
	text = norm.NFC.String(text)
	text = strings.Join(strings.Fields(text), " ")
	return strings.ToLower(text)
}
