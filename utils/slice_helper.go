// Copyright (c) 2024 The Sprite Programming Language
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package utils

import "fmt"

// InsertAt returns a new slice with e inserted at index, shifting everything
// from index onward one place to the right. index must be in [0, len(slice)];
// anything else panics rather than silently clamping or corrupting the
// slice, matching this package's Assert/Fatal style of reporting internal
// invariant violations.
func InsertAt[T any](slice []T, index int, e T) []T {
	if index < 0 || index > len(slice) {
		panic(fmt.Sprintf("utils: InsertAt index %d out of range [0, %d]", index, len(slice)))
	}

	if index == len(slice) {
		return append(slice, e)
	}

	res := make([]T, len(slice)+1)
	copy(res[:index], slice[:index])
	res[index] = e
	copy(res[index+1:], slice[index:])

	return res
}
