// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testhelpers

import (
	"time"
)

// ShortWait is how long a test blocks waiting for something that should
// not happen, such as a changeset that must not be emitted.
const ShortWait = 50 * time.Millisecond

// LongWait is the upper bound for something that should already have
// happened, such as a scheduled expiration after the clock was advanced.
// Tests do not sleep for it unless they are failing.
const LongWait = 10 * time.Second
