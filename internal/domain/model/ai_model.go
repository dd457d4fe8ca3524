package model

import "time"

// AIModel is a named inference backend plus the family that decides which
// worker pool may serve it ("openai", "gemini", "local", ...). Immutable
// after creation.
type AIModel struct {
	ID        string
	Name      string
	Family    string
	CreatedAt time.Time
}

// Prompt is an immutable instruction template applied during inference.
type Prompt struct {
	ID        string
	Name      string
	Template  string
	CreatedAt time.Time
}
