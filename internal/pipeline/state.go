package pipeline

// State is a step of the generation state machine.
type State string

const (
	StateStarted       State = "started"
	StateExpanding     State = "expanding"
	StateResearching   State = "researching"
	StateDeduplicating State = "deduplicating"
	StateSummarizing   State = "summarizing"
	StateValidating    State = "validating"
	StatePersisting    State = "persisting"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Warning codes used as Warning.Subject for run-level conditions.
const (
	WarnNothingNew  = "nothing_new"
	WarnNoInterests = "no_interests"
)

// Warning is a partial failure that did not stop the run.
type Warning struct {
	Stage   State  `json:"stage"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
}
