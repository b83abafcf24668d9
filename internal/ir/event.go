package ir

import "time"

// EventType names an event in a run's log.
type EventType string

const (
	EventRunStarted         EventType = "run.started"
	EventNodeStarted        EventType = "node.started"
	EventToolInvoked        EventType = "tool.invoked"
	EventToolResult         EventType = "tool.result"
	EventRetryScheduled     EventType = "retry.scheduled"
	EventFallbackTaken      EventType = "fallback.taken"
	EventNodeCompleted      EventType = "node.completed"
	EventNodeFailed         EventType = "node.failed"
	EventRunCompleted       EventType = "run.completed"
	EventRunFailed          EventType = "run.failed"
	EventRunCancelled       EventType = "run.cancelled"
	EventApprovalRequested  EventType = "approval.requested"
	EventApprovalGranted    EventType = "approval.granted"
	EventApprovalDenied     EventType = "approval.denied"
	EventPolicyDenied       EventType = "policy.denied"
	EventCandidateSelected  EventType = "candidate.selected"
	EventConditionEvaluated EventType = "condition.evaluated"
)

// Event is one entry of a run's append-only log. Sequence numbers start
// at 1 and are contiguous; a gap means truncation or tampering.
type Event struct {
	Seq       int64     `json:"sequence"`
	Type      EventType `json:"type"`
	NodeID    string    `json:"node_id"`
	Scope     string    `json:"scope"`
	Payload   Object    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// HashObject is the event as it enters the fingerprint: the timestamp is
// left out so two executions of the same run hash identically.
func (e Event) HashObject() Object {
	payload := e.Payload
	if payload == nil {
		payload = Object{}
	}
	return Obj(
		O("sequence", Int(e.Seq)),
		O("type", String(e.Type)),
		O("node_id", String(e.NodeID)),
		O("scope", String(e.Scope)),
		O("payload", payload),
	)
}

// SameContent reports whether two events match on everything but the timestamp.
func (e Event) SameContent(other Event) bool {
	return Equal(e.HashObject(), other.HashObject())
}
