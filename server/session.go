package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/storage"
)

// Names of the individual risk factors as they appear in audit entries
const (
	FactorUserChange         = "user_change"
	FactorDifferentIP        = "different_ip"
	FactorDifferentUserAgent = "different_user_agent"
	FactorRapidSwitch        = "rapid_switch"
	FactorAdminInvolved      = "admin_involved"
	FactorLookupFailed       = "lookup_failed"
)

// RiskFactors describes a user switch for risk scoring.
type RiskFactors struct {
	SwitchType         storage.SwitchType
	DifferentIP        bool
	DifferentUserAgent bool
	RapidSwitch        bool

	// AdminInvolved is set when either the previous or the new user holds an
	// administrative session with the client.
	AdminInvolved bool

	// SinceLastSwitch is the time since the previous entry for the same
	// browser context; zero on first login.
	SinceLastSwitch time.Duration
}

// Names returns the names of the factors that are present.
func (f RiskFactors) Names() []string {
	var names []string
	switch f.SwitchType {
	case storage.SwitchUserChange:
		names = append(names, FactorUserChange)
	case storage.SwitchErrorDetected:
		names = append(names, FactorLookupFailed)
	}
	if f.DifferentIP {
		names = append(names, FactorDifferentIP)
	}
	if f.DifferentUserAgent {
		names = append(names, FactorDifferentUserAgent)
	}
	if f.RapidSwitch {
		names = append(names, FactorRapidSwitch)
	}
	if f.AdminInvolved {
		names = append(names, FactorAdminInvolved)
	}
	return names
}

// RiskPolicy grades a user switch. Policies must be pure functions of the
// factors.
type RiskPolicy func(RiskFactors) storage.RiskLevel

// DefaultRiskPolicy scores the factors additively: a user change, a new IP
// address and a new user agent count one point each, a rapid switch or admin
// involvement in a user change two points. Zero points is low risk, up to two
// medium, up to four high, anything above critical. A failed lookup is
// always high.
func DefaultRiskPolicy(f RiskFactors) storage.RiskLevel {
	if f.SwitchType == storage.SwitchErrorDetected {
		return storage.RiskHigh
	}

	score := 0
	if f.SwitchType == storage.SwitchUserChange {
		score++
		if f.RapidSwitch {
			score += 2
		}
		if f.AdminInvolved {
			score += 2
		}
	}
	if f.DifferentIP {
		score++
	}
	if f.DifferentUserAgent {
		score++
	}

	switch {
	case score == 0:
		return storage.RiskLow
	case score <= 2:
		return storage.RiskMedium
	case score <= 4:
		return storage.RiskHigh
	default:
		return storage.RiskCritical
	}
}

// recordUserSwitch classifies the identity now using a browser context for a
// client, revokes the previous user's tokens on that browser when the user
// changed, and appends an audit entry.
//
// Failures never block the authorization: they are logged and recorded as
// an error_detected entry where possible.
func (s *Server) recordUserSwitch(ctx context.Context, clientID, browserContext string, identity *Identity, ipAddress, userAgent string) *storage.UserSwitchAuditEntry {
	if browserContext == "" {
		return nil
	}
	now := s.now()

	factors := RiskFactors{SwitchType: storage.SwitchFirstLogin}
	previousUserID := ""

	last, err := s.store.LastUserSwitch(ctx, clientID, browserContext)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		s.Logger.Error("Failed to look up previous user switch",
			"client_id", clientID,
			"error", err)
		factors.SwitchType = storage.SwitchErrorDetected
	default:
		previousUserID = last.NewUserID
		factors.SinceLastSwitch = now.Sub(last.CreatedAt)
		factors.DifferentIP = last.IPAddress != "" && ipAddress != "" && last.IPAddress != ipAddress
		factors.DifferentUserAgent = last.UserAgent != "" && userAgent != "" && last.UserAgent != userAgent
		if last.NewUserID == identity.UserID {
			factors.SwitchType = storage.SwitchSameUser
		} else {
			factors.SwitchType = storage.SwitchUserChange
			factors.RapidSwitch = factors.SinceLastSwitch < s.config.rapidSwitch()
			factors.AdminInvolved = identity.Admin || s.sessionIsAdmin(ctx, previousUserID, clientID)
		}
	}

	entry := &storage.UserSwitchAuditEntry{
		ID:             uuid.NewString(),
		ClientID:       clientID,
		BrowserContext: browserContext,
		PreviousUserID: previousUserID,
		NewUserID:      identity.UserID,
		SwitchType:     factors.SwitchType,
		RiskLevel:      s.riskPolicy(factors),
		RiskFactors:    factors.Names(),
		IPAddress:      ipAddress,
		UserAgent:      userAgent,
		CreatedAt:      now,
	}

	if factors.SwitchType == storage.SwitchUserChange {
		// The previous user's tokens on this browser must not outlive the switch
		counts, err := s.store.RevokeTokens(ctx, storage.TokenFilter{
			UserID:         previousUserID,
			ClientID:       clientID,
			BrowserContext: browserContext,
		}, "user_switch", now)
		if err != nil {
			s.Logger.Error("Failed to revoke tokens of previous user",
				"client_id", clientID,
				"error", err)
		}
		entry.AccessTokensRevoked = counts.AccessTokens
		entry.RefreshTokensRevoked = counts.RefreshTokens
		if counts.AccessTokens+counts.RefreshTokens > 0 {
			s.Auditor.LogEvent(ctx, security.Event{
				Type:      security.EventUserSwitchCleanup,
				Severity:  security.SeverityInfo,
				UserID:    previousUserID,
				ClientID:  clientID,
				IPAddress: ipAddress,
				Details: map[string]any{
					"access_tokens_revoked":  counts.AccessTokens,
					"refresh_tokens_revoked": counts.RefreshTokens,
				},
			})
			if s.metrics != nil {
				s.metrics.RecordTokensRevoked(ctx, "user_switch", counts.AccessTokens+counts.RefreshTokens)
			}
		}
	}

	if err := s.store.SaveUserSwitch(ctx, entry); err != nil {
		s.Logger.Error("Failed to save user switch audit entry",
			"client_id", clientID,
			"switch_type", string(entry.SwitchType),
			"error", err)
	}

	s.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventUserSwitch,
		Severity:  severityForRisk(entry.RiskLevel),
		UserID:    identity.UserID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"switch_type":  string(entry.SwitchType),
			"risk_level":   string(entry.RiskLevel),
			"risk_factors": entry.RiskFactors,
		},
	})
	if s.metrics != nil {
		s.metrics.RecordUserSwitch(ctx, string(entry.SwitchType), string(entry.RiskLevel))
	}
	return entry
}

func (s *Server) sessionIsAdmin(ctx context.Context, userID, clientID string) bool {
	if userID == "" {
		return false
	}
	session, err := s.store.GetSession(ctx, userID, clientID)
	return err == nil && session.Admin
}

func severityForRisk(level storage.RiskLevel) security.Severity {
	switch level {
	case storage.RiskCritical:
		return security.SeverityCritical
	case storage.RiskHigh:
		return security.SeverityWarning
	default:
		return security.SeverityInfo
	}
}

// UserSwitchSummary aggregates audit entries for reporting.
type UserSwitchSummary struct {
	Total         int                        `json:"total"`
	BySwitchType  map[storage.SwitchType]int `json:"by_switch_type"`
	ByRiskLevel   map[storage.RiskLevel]int  `json:"by_risk_level"`
	TokensRevoked int                        `json:"tokens_revoked"`
}

// ListUserSwitches returns audit entries matching the filter, newest first.
func (s *Server) ListUserSwitches(ctx context.Context, filter storage.UserSwitchFilter) ([]*storage.UserSwitchAuditEntry, error) {
	entries, err := s.store.ListUserSwitches(ctx, filter)
	if err != nil {
		return nil, serverError(err)
	}
	return entries, nil
}

// SummarizeUserSwitches counts entries by switch type and risk level.
func SummarizeUserSwitches(entries []*storage.UserSwitchAuditEntry) UserSwitchSummary {
	summary := UserSwitchSummary{
		BySwitchType: make(map[storage.SwitchType]int),
		ByRiskLevel:  make(map[storage.RiskLevel]int),
	}
	for _, e := range entries {
		summary.Total++
		summary.BySwitchType[e.SwitchType]++
		summary.ByRiskLevel[e.RiskLevel]++
		summary.TokensRevoked += e.AccessTokensRevoked + e.RefreshTokensRevoked
	}
	return summary
}
