// README: Opaque identifiers for rides, customers, drivers and invoices.
package types

import "github.com/google/uuid"

type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string { return string(id) }
