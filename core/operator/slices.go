// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator

import (
	"slices"

	"github.com/juju/errors"

	"github.com/juju/dynamicdata/core/list"
)

func insertAt[T any](s []T, index int, items ...T) []T {
	return slices.Insert(s, index, items...)
}

func removeAt[T any](s []T, index, count int) []T {
	return slices.Delete(s, index, index+count)
}

// checkIndex verifies an upstream index against the size of the list it
// addresses.
func checkIndex(index, size int) error {
	if index < 0 || index >= size {
		return errors.Annotatef(list.ErrIndexOutOfRange, "upstream index %d of %d", index, size)
	}
	return nil
}

func checkWindow(index, count, size int) error {
	if index < 0 || count < 0 || index+count > size {
		return errors.Annotatef(list.ErrIndexOutOfRange, "upstream window %d+%d of %d", index, count, size)
	}
	return nil
}
