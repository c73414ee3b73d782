package agent

// EventKind classifies what a node of the loop reported.
type EventKind int

const (
	EventUnknown EventKind = iota
	// EventStart is sent when a node begins. Data is nil.
	EventStart
	// EventStream carries node output: a Chunk or models.Message for the model
	// node, []models.Message for the tools node.
	EventStream
	// EventEnd is sent when a node finishes. Data is the model's models.Message
	// or the tools' []models.Message.
	EventEnd
	// EventError reports a failure that ended the loop. Data is the error.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventStream:
		return "stream"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	NodeModel = "model"
	NodeTools = "tools"
)

// Event is one raw progress report of the loop. Data is loosely typed on
// purpose; consumers must tolerate shapes they do not recognise.
type Event struct {
	Kind EventKind
	Node string
	Data any
}

// Chunk is an incremental fragment of the assistant answer.
type Chunk struct {
	Text string
}
