package core

import "strings"

type DBOrdering struct {
	Field     string
	Ascending bool
}

func (ord DBOrdering) String() string {
	direction := "DESC"
	if ord.Ascending {
		direction = "ASC"
	}
	return ord.Field + " " + direction
}

// OrderBy renders orderings as an SQL ORDER BY list, keeping only the allowed fields.
// Unknown fields are dropped so callers can pass user input straight through.
func OrderBy(orderings []DBOrdering, allowed map[string]string) string {
	parts := make([]string, 0, len(orderings))
	for _, ord := range orderings {
		col, ok := allowed[ord.Field]
		if !ok {
			continue
		}
		parts = append(parts, DBOrdering{Field: col, Ascending: ord.Ascending}.String())
	}
	return strings.Join(parts, ", ")
}
