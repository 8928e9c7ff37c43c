package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
)

// AuditSink persists audit events to auth.audit_events
type AuditSink struct {
	client *Client
}

// NewAuditSink creates an audit sink on client
func NewAuditSink(client *Client) *AuditSink {
	return &AuditSink{client: client}
}

type auditRow struct {
	ID          string    `db:"id"`
	TenantID    string    `db:"tenant_id"`
	UserID      string    `db:"user_id"`
	SessionID   string    `db:"session_id"`
	EventType   string    `db:"event_type"`
	Description string    `db:"description"`
	Resource    string    `db:"resource"`
	Action      string    `db:"action"`
	Result      string    `db:"result"`
	RiskLevel   string    `db:"risk_level"`
	IPAddress   string    `db:"ip_address"`
	UserAgent   string    `db:"user_agent"`
	Details     []byte    `db:"details"`
	CreatedAt   time.Time `db:"created_at"`
}

// Write inserts an event
func (s *AuditSink) Write(ctx context.Context, event *audit.Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	row := auditRow{
		ID:          event.ID,
		TenantID:    event.TenantID,
		UserID:      event.UserID,
		SessionID:   event.SessionID,
		EventType:   event.EventType,
		Description: event.Description,
		Resource:    event.Resource,
		Action:      event.Action,
		Result:      event.Result,
		RiskLevel:   string(event.RiskLevel),
		IPAddress:   event.IPAddress,
		UserAgent:   event.UserAgent,
		Details:     details,
		CreatedAt:   event.CreatedAt,
	}
	_, err = s.client.db.NamedExecContext(ctx, `
		INSERT INTO auth.audit_events (id, tenant_id, user_id, session_id, event_type, description,
		                               resource, action, result, risk_level, ip_address, user_agent,
		                               details, created_at)
		VALUES (:id, :tenant_id, :user_id, :session_id, :event_type, :description,
		        :resource, :action, :result, :risk_level, :ip_address, :user_agent,
		        :details, :created_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Query returns events matching filter, newest first
func (s *AuditSink) Query(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.EventType != "" {
		add("event_type = $%d", filter.EventType)
	}
	if filter.RiskLevel != "" {
		add("risk_level = $%d", string(filter.RiskLevel))
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("created_at <= $%d", filter.Until)
	}

	query := `SELECT id, tenant_id, user_id, session_id, event_type, description, resource, action,
	                 result, risk_level, ip_address, user_agent, details, created_at
	          FROM auth.audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []auditRow
	if err := s.client.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}

	events := make([]audit.Event, 0, len(rows))
	for _, r := range rows {
		e := audit.Event{
			ID:          r.ID,
			TenantID:    r.TenantID,
			UserID:      r.UserID,
			SessionID:   r.SessionID,
			EventType:   r.EventType,
			Description: r.Description,
			Resource:    r.Resource,
			Action:      r.Action,
			Result:      r.Result,
			RiskLevel:   audit.RiskLevel(r.RiskLevel),
			IPAddress:   r.IPAddress,
			UserAgent:   r.UserAgent,
			CreatedAt:   r.CreatedAt,
		}
		if len(r.Details) > 0 {
			if err := json.Unmarshal(r.Details, &e.Details); err != nil {
				s.client.logger.Warn("Failed to decode audit details", zap.String("event_id", r.ID), zap.Error(err))
			}
		}
		events = append(events, e)
	}
	return events, nil
}

var (
	_ audit.Sink    = (*AuditSink)(nil)
	_ audit.Querier = (*AuditSink)(nil)
)
