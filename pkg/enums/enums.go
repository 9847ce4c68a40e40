// Package enums holds the string values stored in ledger columns and carried
// in Stripe metadata. Database CHECK constraints list the same values.
package enums

import (
	"fmt"
	"slices"
)

func parse[T ~string](kind, raw string, valid []T) (T, error) {
	if v := T(raw); slices.Contains(valid, v) {
		return v, nil
	}
	return "", fmt.Errorf("invalid %s %q", kind, raw)
}
