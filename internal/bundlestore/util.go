package bundlestore

import "time"

// readPollInterval bounds the busy-wait ReadSession uses while waiting
// for a pipelined segment to land. It is far smaller than
// ringWaitGranularity because it is only ever a few iterations before
// the disk worker completes the read and flips the ready flag.
const readPollInterval = 200 * time.Microsecond

func pauseBriefly() {
	time.Sleep(readPollInterval)
}
