package tree

import "github.com/google/uuid"

// ListDifferences maps every element of after to the index of the element with the
// same id in before, or AddedListItem. Elements are matched by id, never by value.
func ListDifferences[T any](after, before []T, id func(T) uuid.UUID) []int {
	index := make(map[uuid.UUID]int, len(before))
	for i, b := range before {
		if _, exists := index[id(b)]; !exists {
			index[id(b)] = i
		}
	}
	positions := make([]int, len(after))
	for i, a := range after {
		pos, ok := index[id(a)]
		if !ok {
			pos = AddedListItem
		}
		positions[i] = pos
	}
	return positions
}
