// Package connid mints opaque connection identifiers.
package connid

import "github.com/google/uuid"

// ID is an opaque, process-unique connection identifier rendered as text.
type ID string

// New mints a fresh connection id. It is never reused within the process
// lifetime.
func New() ID {
	return ID(uuid.NewString())
}

func (i ID) String() string { return string(i) }
