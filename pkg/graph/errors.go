package graph

import "fmt"

// ParseError reports a model reply that could not be turned into a valid
// extraction fragment, even after repair. The affected fragment is dropped;
// the build continues.
type ParseError struct {
	ChunkID string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable extraction for chunk %s: %v", e.ChunkID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ServiceError reports a failed call to an external model or storage
// service after retries were exhausted. It fails the unit of work it
// occurred in, never the whole dataset.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// ConsistencyError reports a graph and vector index that do not belong to
// the same build. A retrieval run pinned to mismatched artifacts must abort.
type ConsistencyError struct {
	GraphVersion string
	IndexVersion string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf(
		"graph version %q does not match index version %q",
		e.GraphVersion, e.IndexVersion,
	)
}
