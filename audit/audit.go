package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// Event kinds emitted by the engine.
const (
	EventIssue      = "token.issue"
	EventRefresh    = "token.refresh"
	EventRevoke     = "token.revoke"
	EventIntrospect = "token.introspect"
	EventVerify     = "token.verify"
	EventAuthorize  = "code.authorize"
	EventGrant      = "delegation.grant"
	EventGrantRevoke = "delegation.revoke"
	EventPolicy     = "policy.decision"
)

// Event is one append-only audit record. It carries the task/parent-task
// and lineage ids needed to reconstruct a delegation chain post hoc.
type Event struct {
	ID           string    `json:"id"`
	Event        string    `json:"event"`
	Decision     string    `json:"decision,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	ActorID      string    `json:"actor_id,omitempty"`
	TokenID      string    `json:"token_id,omitempty"`
	ParentToken  string    `json:"parent_token_id,omitempty"`
	GrantID      string    `json:"grant_id,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	ParentTaskID string    `json:"parent_task_id,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	Policy       string    `json:"matched_policy,omitempty"`
	SourceIP     string    `json:"source_ip,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Sink accepts append-only audit records. Implementations may be slow or
// unavailable; the engine never calls a Sink directly on the request path.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// LogSink writes events to the process log. Used as the development sink.
type LogSink struct{}

func (LogSink) Write(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	log.Printf("[audit] %s", b)
	return nil
}
