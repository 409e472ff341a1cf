package wlan

import "fmt"

// Status is the outcome of one scan attempt as reported to its requester.
type Status uint8

const (
	// StatusOK means the scan ran to completion.
	StatusOK Status = iota
	// StatusRunning is returned by a start call that handed the scan off.
	StatusRunning
	// StatusFailed is a generic failure, e.g. no valid channels.
	StatusFailed
	// StatusRejected means the arbiter refused the request outright.
	StatusRejected
	// StatusPendFailed means the arbiter pended for a reason that cannot be waited out.
	StatusPendFailed
	// StatusExecFailed means the scan primitive itself returned an error.
	StatusExecFailed
	// StatusStopped is a voluntary stop by the requester.
	StatusStopped
	// StatusAborted means a higher-priority client pre-empted the scan.
	StatusAborted
	// StatusAbortedFWReset means a firmware reset unwound the scan.
	StatusAbortedFWReset
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRunning:
		return "running"
	case StatusFailed:
		return "failed"
	case StatusRejected:
		return "rejected"
	case StatusPendFailed:
		return "pend_failed"
	case StatusExecFailed:
		return "exec_failed"
	case StatusStopped:
		return "stopped"
	case StatusAborted:
		return "aborted"
	case StatusAbortedFWReset:
		return "aborted_fw_reset"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Failed reports whether s ends an attempt without a usable result.
func (s Status) Failed() bool {
	switch s {
	case StatusOK, StatusRunning, StatusStopped:
		return false
	}
	return true
}

// Tag is the opaque correlation id stamped on every scan-execution request
// and every result coming back from it.
type Tag uint8

func (t Tag) String() string {
	return fmt.Sprintf("tag-%d", uint8(t))
}
