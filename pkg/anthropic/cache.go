package anthropic

// BuildCachedSystemBlocks returns the system prompt as a single block with a
// cache breakpoint. Verifier and detector prompts are identical across
// signals, so every call after the first reads them from the prompt cache.
// An empty ttl uses the API default of 5 minutes.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: ttl},
		},
	}
}
