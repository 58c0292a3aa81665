// Package requestid issues per-request correlation ids. ULIDs keep them
// sortable in aggregated logs.
package requestid

import "github.com/oklog/ulid/v2"

func New() string {
	return ulid.Make().String()
}
