package ai

import "errors"

// ErrQuotaExceeded indicates the AI provider returned a quota/limit error (HTTP 429 or similar).
var ErrQuotaExceeded = errors.New("ai quota exceeded")

// ErrEmptyEmbedding indicates the provider answered without vectors for every input.
var ErrEmptyEmbedding = errors.New("ai embedding response incomplete")
