package policy

import (
	"strconv"
	"strings"

	"github.com/stackmate/keypolicy/errorcodes"
)

// ParseSpendPath parses path selections of the form ID=i,j where ID is a
// node id and i, j are child indexes. Selections for the same id add up.
func ParseSpendPath(defs ...string) (SpendPath, error) {
	path := make(SpendPath, len(defs))
	for _, def := range defs {
		id, list, ok := strings.Cut(def, "=")
		if !ok || id == "" || list == "" {
			return nil, errorcodes.Newf(
				errorcodes.InvalidSpendingPath, "selection %q must "+
					"have the form ID=i,j", def,
			)
		}

		for _, field := range strings.Split(list, ",") {
			index, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil || index < 0 {
				return nil, errorcodes.Newf(
					errorcodes.InvalidSpendingPath, "bad child "+
						"index %q in %q", field, def,
				)
			}
			path[id] = append(path[id], index)
		}
	}

	return path, nil
}
