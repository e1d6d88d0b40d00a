package agent

// Error is an agent-fatal failure: a detected cycle, an unusable schema or a
// provider failure after retries. It transitions the run to failed with
// Reason recorded as the failure reason. Tool failures are never agent-fatal;
// they surface as rejection invocation results for the model to handle.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return e.Reason }
