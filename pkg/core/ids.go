package core

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// GenerateRunID generates a new run ID grouping the transitions of one
// logical execution.
func GenerateRunID() string {
	return uuid.New().String()
}

// GenerateMachineID generates a time-embedded machine ID: a 64-bit integer
// whose upper bits carry the creation instant, rendered as a decimal string.
// IDs in this form allow created_at range pruning when looking up by
// ID-and-date-range.
func GenerateMachineID() string {
	now := time.Now()
	// Millisecond timestamp in the high bits, sub-millisecond entropy below.
	id := now.UnixMilli()<<20 | int64(now.Nanosecond()%(1<<20))
	return strconv.FormatInt(id, 10)
}

// MachineIDTime extracts the creation instant embedded in a machine ID
// produced by GenerateMachineID. Returns an error for opaque IDs.
func MachineIDTime(id string) (time.Time, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("machine id %q carries no embedded time", id)
	}
	return time.UnixMilli(n >> 20), nil
}
