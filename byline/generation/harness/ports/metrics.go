package harnessports

import "time"

// Metrics receives counters and latencies from the conversation driver.
type Metrics interface {
	RunFinished(state string, rounds int, elapsed time.Duration)
	ModelCall(provider string, elapsed time.Duration, err error)
	ToolCall(tool, outcome string, elapsed time.Duration)
	CacheLookup(tool string, hit bool)
}
