// Package tokenizer estimates token counts. The upstream does not report
// usage, so these estimates fill the usage block of responses and size
// the savings of tool shaping.
package tokenizer

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const encodingName = "cl100k_base"

// Message represents a chat message for token counting purposes.
type Message struct {
	Role    string
	Content string
}

// Tokenizer counts tokens with a lazily loaded cl100k_base encoding.
type Tokenizer struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// New creates a new Tokenizer instance.
func New() *Tokenizer {
	return &Tokenizer{}
}

func (t *Tokenizer) encoder() (*tiktoken.Tiktoken, error) {
	t.once.Do(func() {
		t.enc, t.err = tiktoken.GetEncoding(encodingName)
	})
	return t.enc, t.err
}

// CountTokens counts the tokens in text. It falls back to a four bytes per
// token estimate when the encoding cannot be loaded.
func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	enc, err := t.encoder()
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages counts the tokens across messages. Each message incurs a
// 4-token framing overhead and 3 tokens are added for reply priming.
func (t *Tokenizer) CountMessages(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += 4
		total += t.CountTokens(msg.Role)
		total += t.CountTokens(msg.Content)
	}
	return total + 3
}
