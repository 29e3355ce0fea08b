package logger

import (
	"github.com/teranos/tenantpulse/sym"
	"go.uber.org/zap"
)

// Glyphs go into the FieldSymbol field rather than the message so log
// queries can filter on them:
//
//	logger.AddChainSymbol(e.logger).Debugw("Trigger fired", logger.FieldEvent, ev.Name)

// WithSymbol tags every entry of l with glyph.
func WithSymbol(l *zap.SugaredLogger, glyph string) *zap.SugaredLogger {
	return OrNop(l).With(FieldSymbol, glyph)
}

// AddPulseOpenSymbol marks startup entries (✿).
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.PulseOpen)
}

// AddPulseCloseSymbol marks shutdown entries (❀).
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.PulseClose)
}

func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.DB)
}

func AddTenantSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.Tenant)
}

// AddChainSymbol marks event routing and loop prevention entries (⟶).
func AddChainSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.Chain)
}

// ForTenant scopes l to one tenant-org. An empty orgID is omitted.
func ForTenant(l *zap.SugaredLogger, tenantID, orgID string) *zap.SugaredLogger {
	l = OrNop(l).With(FieldTenantID, tenantID)
	if orgID != "" {
		l = l.With(FieldOrgID, orgID)
	}
	return l
}
