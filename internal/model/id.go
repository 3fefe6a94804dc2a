package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string used for batches, executions and
// output files.
func NewID() string {
	return ulid.Make().String()
}
