package replication

import "errors"

var (
	errMissingDeltaBase = errors.New("replication: delta base not in history")
	errNotDeltable      = errors.New("replication: delta for component without Apply")
)
