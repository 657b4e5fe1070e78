package history

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/conductor/pkg/llm"
	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates the token count of a piece of text
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter estimates max(runes/4, words). It needs no external data.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// TiktokenCounter counts tokens with a BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding (e.g. "cl100k_base").
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// NewCounter returns a tiktoken counter when one can be loaded, otherwise the heuristic.
func NewCounter(kind, encoding string) TokenCounter {
	if kind != "tiktoken" {
		return HeuristicCounter{}
	}
	c, err := NewTiktokenCounter(encoding)
	if err != nil {
		return HeuristicCounter{}
	}
	return c
}

// EstimateMessage returns the token estimate of one message: its text, every
// tool call name and serialized input, and every tool result payload.
func EstimateMessage(counter TokenCounter, msg llm.Message) int {
	total := counter.Count(msg.Content)
	for _, tc := range msg.ToolCalls {
		total += counter.Count(tc.Name)
		if len(tc.Input) > 0 {
			if data, err := json.Marshal(tc.Input); err == nil {
				total += counter.Count(string(data))
			}
		}
	}
	for _, tr := range msg.ToolResults {
		total += counter.Count(tr.Output)
		total += counter.Count(tr.Error)
	}
	return total
}
