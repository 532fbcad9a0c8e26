package router

import (
	"time"

	"github.com/tinkerforge/brickd/internal/tfp"
)

// PendingEntry is one outstanding client request awaiting a response
// (spec §3.3, §4.4).
type PendingEntry struct {
	tfp.Pending
	Timestamp time.Time
}

// PendingExpiry is the age at which a pending-request entry is expired
// and discarded even without a matching response (spec §4.4 step 3,
// §5 timeouts: "recommended: 3 s").
const PendingExpiry = 3 * time.Second
