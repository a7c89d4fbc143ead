// Package reason records why a message was (re)inserted into a queue.
package reason

import "strings"

// Reason identifies a single insertion trigger
type Reason int

const (
	Received Reason = iota
	Enumerated
	ScheduledForLater
	ReadyQueueWasSuspended
	MessageRateThrottle
	ThrottledByThrottleInsertReadyQueue
	ReadyQueueWasFull
	FailedToInsertIntoReadyQueue
	MessageGetQueueNameFailed
	AdminRebind
	DueTimeWasReached
	MaxReadyWasReducedByConfigUpdate
	FailedDueToNullMx
	MxResolvedToZeroHosts
	MxWasProhibited
	MxWasSkipped
	TooManyConnectionFailures
	TooManyRecipients
	ConnectionRateThrottle
	LoggedTransientFailure
	ReadyQueueWasReaped
	DispatcherDrop
	PeerClosedConnection
)

var reasonNames = map[Reason]string{
	Received:                            "Received",
	Enumerated:                          "Enumerated",
	ScheduledForLater:                   "ScheduledForLater",
	ReadyQueueWasSuspended:              "ReadyQueueWasSuspended",
	MessageRateThrottle:                 "MessageRateThrottle",
	ThrottledByThrottleInsertReadyQueue: "ThrottledByThrottleInsertReadyQueue",
	ReadyQueueWasFull:                   "ReadyQueueWasFull",
	FailedToInsertIntoReadyQueue:        "FailedToInsertIntoReadyQueue",
	MessageGetQueueNameFailed:           "MessageGetQueueNameFailed",
	AdminRebind:                         "AdminRebind",
	DueTimeWasReached:                   "DueTimeWasReached",
	MaxReadyWasReducedByConfigUpdate:    "MaxReadyWasReducedByConfigUpdate",
	FailedDueToNullMx:                   "FailedDueToNullMx",
	MxResolvedToZeroHosts:               "MxResolvedToZeroHosts",
	MxWasProhibited:                     "MxWasProhibited",
	MxWasSkipped:                        "MxWasSkipped",
	TooManyConnectionFailures:           "TooManyConnectionFailures",
	TooManyRecipients:                   "TooManyRecipients",
	ConnectionRateThrottle:              "ConnectionRateThrottle",
	LoggedTransientFailure:              "LoggedTransientFailure",
	ReadyQueueWasReaped:                 "ReadyQueueWasReaped",
	DispatcherDrop:                      "DispatcherDrop",
	PeerClosedConnection:                "PeerClosedConnection",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "Unknown"
}

// Context is the ordered trail of reasons that led to an insertion.
// The zero value is an empty trail.
type Context struct {
	reasons []Reason
}

// New returns a context holding the given reasons
func New(reasons ...Reason) Context {
	var c Context
	for _, r := range reasons {
		c.Note(r)
	}
	return c
}

// Note appends r unless it repeats the most recent entry
func (c *Context) Note(r Reason) {
	if n := len(c.reasons); n > 0 && c.reasons[n-1] == r {
		return
	}
	c.reasons = append(c.reasons, r)
}

// Add returns a copy of c with r noted
func (c Context) Add(r Reason) Context {
	out := Context{reasons: append([]Reason(nil), c.reasons...)}
	out.Note(r)
	return out
}

// Contains reports whether r appears anywhere in the trail
func (c Context) Contains(r Reason) bool {
	for _, have := range c.reasons {
		if have == r {
			return true
		}
	}
	return false
}

// Only reports whether r is the single entry in the trail
func (c Context) Only(r Reason) bool {
	return len(c.reasons) == 1 && c.reasons[0] == r
}

// Reasons returns a copy of the trail
func (c Context) Reasons() []Reason {
	return append([]Reason(nil), c.reasons...)
}

// Last returns the most recent reason, if any
func (c Context) Last() (Reason, bool) {
	if len(c.reasons) == 0 {
		return 0, false
	}
	return c.reasons[len(c.reasons)-1], true
}

func (c Context) String() string {
	names := make([]string, len(c.reasons))
	for i, r := range c.reasons {
		names[i] = r.String()
	}
	return strings.Join(names, ", ")
}
