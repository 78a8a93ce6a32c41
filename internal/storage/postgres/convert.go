package postgres

import (
	"github.com/google/uuid"

	"github.com/jkaninda/agentauth/internal/audit"
	"github.com/jkaninda/agentauth/internal/session"
)

func toAttemptModel(a session.Attempt) AttemptModel {
	return AttemptModel{
		ID:          uuid.New(),
		SessionID:   a.SessionID,
		Website:     a.Website,
		Host:        a.Host,
		Username:    a.Username,
		Status:      a.Status,
		Error:       a.Error,
		Available:   a.Available,
		CookieCount: a.CookieCount,
		DurationMS:  a.Duration().Milliseconds(),
		StartedAt:   a.StartedAt.UTC(),
		FinishedAt:  a.FinishedAt.UTC(),
	}
}

func toAttemptDomain(m *AttemptModel) session.Attempt {
	return session.Attempt{
		SessionID:   m.SessionID,
		Website:     m.Website,
		Host:        m.Host,
		Username:    m.Username,
		Status:      m.Status,
		Error:       m.Error,
		Available:   m.Available,
		CookieCount: m.CookieCount,
		StartedAt:   m.StartedAt.UTC(),
		FinishedAt:  m.FinishedAt.UTC(),
	}
}

func toEventModel(e audit.Event) CapabilityEventModel {
	return CapabilityEventModel{
		ID:         uuid.New(),
		SessionID:  e.SessionID,
		Host:       e.Host,
		Username:   e.Username,
		Capability: e.Capability,
		Result:     e.Result,
		Error:      e.Error,
		DurationMS: e.DurationMS,
		CreatedAt:  e.Timestamp.UTC(),
	}
}

func toEventDomain(m *CapabilityEventModel) audit.Event {
	return audit.Event{
		Timestamp:  m.CreatedAt.UTC(),
		SessionID:  m.SessionID,
		Host:       m.Host,
		Username:   m.Username,
		Capability: m.Capability,
		Result:     m.Result,
		Error:      m.Error,
		DurationMS: m.DurationMS,
	}
}
