package tierrouter

// CharsPerToken is the divisor of the token heuristic. It is an approximation,
// not a tokenizer; results must not be treated as billing-exact.
const CharsPerToken = 4

// EstimateTokens provides a rough token count estimate for a piece of text.
// Uses the approximation: ~4 chars per token, rounded up.
func EstimateTokens(text string) int64 {
	n := int64(len(text))
	if n == 0 {
		return 0
	}
	return (n + CharsPerToken - 1) / CharsPerToken
}
