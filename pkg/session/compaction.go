package session

import "github.com/mariozechner/agentcore/pkg/entry"

// charsPerToken is the chars/4 heuristic used when no provider-supplied
// tokenizer is wired in.
const charsPerToken = 4

// EstimateTokens approximates the token cost of a materialized context by
// summing the character length of every textual content block and content
// string, then dividing by charsPerToken. It is the default
// turnloop.Deps.EstimateTokens implementation; embedders with access to a
// real tokenizer should supply their own instead.
func EstimateTokens(ctx entry.Context) int {
	chars := 0
	for _, e := range ctx.Messages {
		if e.Message == nil {
			continue
		}
		for _, block := range e.Message.Content {
			switch block.Type {
			case entry.ContentText:
				if block.Text != nil {
					chars += len(block.Text.Text)
				}
			case entry.ContentThinking:
				if block.Thinking != nil {
					chars += len(block.Thinking.Thinking)
				}
			case entry.ContentToolCall:
				if block.ToolCall != nil {
					chars += len(block.ToolCall.Name)
					for k, v := range block.ToolCall.Arguments {
						chars += len(k) + estimateValueChars(v)
					}
				}
			}
		}
	}
	return chars / charsPerToken
}

// estimateValueChars gives a rough character count for an arbitrary JSON
// value without marshaling it, for use inside EstimateTokens.
func estimateValueChars(v any) int {
	switch x := v.(type) {
	case string:
		return len(x)
	case map[string]any:
		n := 0
		for k, vv := range x {
			n += len(k) + estimateValueChars(vv)
		}
		return n
	case []any:
		n := 0
		for _, vv := range x {
			n += estimateValueChars(vv)
		}
		return n
	default:
		return 8 // numbers/bools/nil: fixed small estimate
	}
}
