package domain

// Metadata is an opaque string-keyed map carried on runs and events.
// The core never inspects its contents.
type Metadata map[string]any
