package memory

import "fmt"

// IngestionError reports a partial or total ingestion failure: how many
// chunks made it into the store and how many did not. Callers may treat
// it as a degraded outcome rather than a hard failure.
type IngestionError struct {
	Stored int
	Failed int
	Err    error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion incomplete: %d chunks stored, %d failed: %v", e.Stored, e.Failed, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// UnavailableError means the embedding service or vector store stayed
// unreachable after bounded retries. Distinct from an empty result set.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable after retries: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
