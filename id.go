package introq

import "github.com/loopmark/introq/id"

// ID is the primary identifier type for all introq entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
