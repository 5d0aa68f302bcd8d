package ai

// Token estimation is a local approximation used when the provider omits
// usage accounting (certain error paths and truncated streams). Billing and
// quota tracking must never silently drop to zero, so an estimate — clearly
// tagged as such — is always available.
//
// TODO: replace with tiktoken-go for accurate per-model counting.

// messageOverheadTokens approximates the per-message framing cost
// (role marker plus separators) charged by GPT-series chat formats.
const messageOverheadTokens = 4

// EstimateText approximates the token count of a text fragment.
// ~4 characters per token is a rough GPT-series approximation.
func EstimateText(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// EstimateMessages approximates the prompt token count of an ordered message
// list, including per-message framing overhead and serialized tool calls.
func EstimateMessages(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateText(m.Content)
		for _, tc := range m.ToolCalls {
			total += EstimateText(tc.Name) + EstimateText(tc.Arguments)
		}
		total += messageOverheadTokens
	}
	return total
}
