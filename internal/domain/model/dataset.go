package model

import "time"

// Dataset is an immutable named collection of rows to score.
type Dataset struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Row is one immutable unit of input data belonging to a Dataset.
type Row struct {
	ID        string
	DatasetID string
	// Text is the raw input handed to the predictor alongside the prompt.
	Text string
	// Expected holds the gold label when the dataset is annotated; empty otherwise.
	Expected  string
	CreatedAt time.Time
}
