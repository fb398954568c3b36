package models

import "time"

// AuditLogEntry is an append-only record of an issuance, verification,
// revocation or policy decision. The engine only ever writes these; the
// request path never reads them back.
type AuditLogEntry struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	Event     string    `gorm:"column:event;not null" json:"event"`
	Decision  string    `gorm:"column:decision" json:"decision"`
	Reason    string    `gorm:"column:reason" json:"reason,omitempty"`
	ActorID   string    `gorm:"column:actor_id;index" json:"actor_id,omitempty"`
	TokenID   string    `gorm:"column:token_id;index" json:"token_id,omitempty"`
	ParentID  string    `gorm:"column:parent_token_id" json:"parent_token_id,omitempty"`
	GrantID   string    `gorm:"column:grant_id" json:"grant_id,omitempty"`
	TaskID    string    `gorm:"column:task_id;index" json:"task_id,omitempty"`
	ParentTask string   `gorm:"column:parent_task_id" json:"parent_task_id,omitempty"`
	Scope     string    `gorm:"column:scope" json:"scope,omitempty"`
	Policy    string    `gorm:"column:matched_policy" json:"matched_policy,omitempty"`
	SourceIP  string    `gorm:"column:source_ip" json:"source_ip,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (AuditLogEntry) TableName() string {
	return "audit_log"
}
