package audit

import (
	"context"

	"gorm.io/gorm"

	"github.com/agentgate/agentgate/models"
)

// DBSink appends events to the audit_log table. The request path never
// reads this table back.
type DBSink struct{ DB *gorm.DB }

// NewDBSink creates a database-backed audit sink.
func NewDBSink(db *gorm.DB) *DBSink { return &DBSink{DB: db} }

func (s *DBSink) Write(ctx context.Context, ev Event) error {
	row := &models.AuditLogEntry{
		ID:         ev.ID,
		Event:      ev.Event,
		Decision:   ev.Decision,
		Reason:     ev.Reason,
		ActorID:    ev.ActorID,
		TokenID:    ev.TokenID,
		ParentID:   ev.ParentToken,
		GrantID:    ev.GrantID,
		TaskID:     ev.TaskID,
		ParentTask: ev.ParentTaskID,
		Scope:      ev.Scope,
		Policy:     ev.Policy,
		SourceIP:   ev.SourceIP,
		CreatedAt:  ev.CreatedAt,
	}
	return s.DB.WithContext(ctx).Create(row).Error
}
