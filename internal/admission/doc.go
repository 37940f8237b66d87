// Package admission decides whether a heavy stage (capture, transcode) may
// start now.
//
// A Controller denies when the configured number of heavy stages are already
// running, or when a host sample shows free memory, free disk or the
// one-minute load average past its threshold. A zero threshold disables that
// check; a zero slot count denies every heavy stage. Denial is advisory: the
// dispatcher leaves the task pending and asks again next cycle.
package admission
