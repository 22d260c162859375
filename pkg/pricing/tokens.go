package pricing

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"

	"github.com/tokengate/tokengate/pkg/models"
)

// TokenCounter estimates the number of input tokens in request content.
type TokenCounter interface {
	CountText(text string) int
	CountMessages(messages []models.ChatMessage) int
}

// NewTokenCounter returns the counter named by kind ("words" or "tiktoken").
func NewTokenCounter(kind string, logger zerolog.Logger) TokenCounter {
	if kind == "tiktoken" {
		return &TiktokenCounter{Encoding: "cl100k_base", log: logger}
	}
	return WordCounter{}
}

// WordCounter assumes four tokens per whitespace-separated word.
type WordCounter struct{}

const tokensPerWord = 4

func (WordCounter) CountText(text string) int {
	return len(strings.Fields(text)) * tokensPerWord
}

func (w WordCounter) CountMessages(messages []models.ChatMessage) int {
	n := 0
	for _, m := range messages {
		n += w.CountText(m.Role) + w.CountText(m.Content)
	}
	return n
}

// TiktokenCounter counts with a BPE encoding. The encoding is loaded on first
// use; if it cannot be loaded the word heuristic is used instead.
type TiktokenCounter struct {
	Encoding string

	log  zerolog.Logger
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (t *TiktokenCounter) init() {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.Encoding)
		if err != nil {
			t.log.Warn().Err(err).Str("encoding", t.Encoding).Msg("tiktoken unavailable; counting words")
			return
		}
		t.enc = enc
	})
}

func (t *TiktokenCounter) CountText(text string) int {
	t.init()
	if t.enc == nil {
		return WordCounter{}.CountText(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *TiktokenCounter) CountMessages(messages []models.ChatMessage) int {
	t.init()
	if t.enc == nil {
		return WordCounter{}.CountMessages(messages)
	}
	total := 0
	for _, m := range messages {
		// <|start|>role\ncontent<|end|>\n
		total += 4
		total += len(t.enc.Encode(m.Role, nil, nil))
		total += len(t.enc.Encode(m.Content, nil, nil))
	}
	return total + 3
}
