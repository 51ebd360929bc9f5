package bus

// Query lifecycle topics. Subscribe to "query." for all of them.
const (
	TopicQueryGenerated = "query.generated"
	TopicQueryFinished  = "query.finished"
	TopicQueryDropped   = "query.dropped"
)

const (
	TopicGenerationFailed  = "generation.failed"
	TopicGenerationSkipped = "generation.skipped"
	TopicSteadyCycle       = "steady.cycle"
	TopicSchemaRefreshed   = "schema.refreshed"
	TopicStateChanged      = "orchestrator.state"
)

// QueryGenerated is published after a message was audited and queued.
type QueryGenerated struct {
	MessageID string
	Source    string
	SQL       string
	Comment   string
}

// QueryFinished is published once per executed message.
type QueryFinished struct {
	MessageID    string
	Source       string
	Success      bool
	Kind         string // failure class, empty on success
	LatencyMs    int64
	RowsAffected int64
	Error        string
}

// QueryDropped is published for a message that will never execute.
type QueryDropped struct {
	MessageID string
	Source    string
	Reason    string // "queue_full", "evicted", "shutdown"
}

// GenerationFailed is published for each failed completion attempt.
type GenerationFailed struct {
	Attempt int
	Class   string
	Error   string
}

// GenerationSkipped is published when a cycle exhausted its attempts.
type GenerationSkipped struct {
	Attempts int
	Error    string
}

type SteadyCycle struct {
	Cycle   int64
	Queries int
	Failed  int
	Skipped bool
}

type SchemaRefreshed struct {
	Tables int
}

type StateChanged struct {
	Old string
	New string
}
