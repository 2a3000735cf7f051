package budget

import (
	"github.com/pkoukk/tiktoken-go"
)

const charsPerToken = 4

// Tokenizer counts the tokens of a prompt for estimation. Estimation
// only; the billed counts always come from the provider response.
type Tokenizer interface {
	Count(text string) int
}

// HeuristicCounter divides character count by four. Deterministic and
// dependency free, used as the default.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	n := len(text) / charsPerToken
	if n < 1 {
		return 1
	}
	return n
}

// TiktokenCounter counts with the BPE vocabulary of a concrete model.
// A model unknown to tiktoken is counted with cl100k_base; the heuristic
// is used only when no encoding can be loaded at all.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenCounter(model string) *TiktokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	return &TiktokenCounter{enc: enc}
}

func (c *TiktokenCounter) Count(text string) int {
	if c.enc == nil {
		return HeuristicCounter{}.Count(text)
	}
	n := len(c.enc.Encode(text, nil, nil))
	if n < 1 {
		return 1
	}
	return n
}
