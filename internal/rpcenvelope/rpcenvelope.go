// Package rpcenvelope defines the newline-JSON record vocabulary exchanged
// between internal/engine/remote (host) and internal/worker (sandbox), over
// the worker's stdin/stdout. The command vocabulary is a narrow, closed set
// of typed requests (prepare/exec_step/cleanup); configuration never
// travels inline, only as a workspace-relative path, and input references
// travel as symbolic "<step_id>.<key>" strings. The host reads one line at
// a time and forwards each event/metric record to the session sink
// verbatim as it arrives.
package rpcenvelope

// CommandType names one of the closed set of host-to-worker verbs.
type CommandType string

const (
	CommandPrepare  CommandType = "prepare"
	CommandExecStep CommandType = "exec_step"
	CommandCleanup  CommandType = "cleanup"
)

// Command is one line the host writes to the worker's stdin. Step
// configuration is never inlined: ConfigPath references a file the host has
// already uploaded into the sandbox's workspace.
type Command struct {
	Type CommandType `json:"type"`

	// Prepare fields.
	ManifestPath string `json:"manifest_path,omitempty"`

	// ExecStep fields.
	StepID     string            `json:"step_id,omitempty"`
	Component  string            `json:"component,omitempty"`
	Mode       string            `json:"mode,omitempty"`
	Driver     string            `json:"driver,omitempty"`
	ConfigPath string            `json:"config_path,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"` // key -> "<step_id>.<key>" reference
	TimeoutMS  int               `json:"timeout_ms,omitempty"`
	Attempt    int               `json:"attempt,omitempty"`
}

// RecordKind names the closed set of lines the worker writes to stdout.
type RecordKind string

const (
	RecordEvent    RecordKind = "event"
	RecordMetric   RecordKind = "metric"
	RecordResponse RecordKind = "response"
)

// Record is one line the worker writes to stdout. Exactly one of Event,
// Metric, or Response is populated, selected by Kind.
type Record struct {
	Kind     RecordKind      `json:"kind"`
	Event    *EventPayload   `json:"event,omitempty"`
	Metric   *MetricPayload  `json:"metric,omitempty"`
	Response *ResponsePayload `json:"response,omitempty"`
}

// EventPayload mirrors session.EventRecord's fields, forwarded 1-for-1 from
// worker to host session sink.
type EventPayload struct {
	Name   string         `json:"name"`
	StepID string         `json:"step_id,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// MetricPayload mirrors session.MetricRecord's fields.
type MetricPayload struct {
	Name   string            `json:"name"`
	StepID string            `json:"step_id,omitempty"`
	Value  float64           `json:"value"`
	Unit   string            `json:"unit,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// ResponsePayload reports a command's terminal outcome.
type ResponsePayload struct {
	Type      CommandType    `json:"type"`
	StepID    string         `json:"step_id,omitempty"`
	OK        bool           `json:"ok"`
	ErrorCode string         `json:"error_code,omitempty"`
	Error     string         `json:"error,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
}

// StatusContractViolation is the fallback response synthesized by the host
// when the worker process exits (crashes, is killed, or closes stdout)
// without ever emitting a terminal response for the in-flight command.
func StatusContractViolation(commandType CommandType, stepID string, reason string) Record {
	return Record{
		Kind: RecordResponse,
		Response: &ResponsePayload{
			Type:      commandType,
			StepID:    stepID,
			OK:        false,
			ErrorCode: "E_STATUS_CONTRACT_VIOLATION",
			Error:     reason,
		},
	}
}
