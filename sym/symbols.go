// Package sym defines the glyphs tenantpulse prefixes onto log lines and CLI
// output. The set is small and stable; components log the glyph as a
// structured field (see logger.FieldSymbol) rather than inside messages.
package sym

// System glyphs.
const (
	Pulse      = "꩜" // async jobs, queue workers, schedules
	PulseOpen  = "✿" // startup of engines, workers and schedulers
	PulseClose = "❀" // graceful shutdown and eviction
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Tenant     = "⌂" // tenant-org scheduler cache
	Chain      = "⟶" // event-triggered job chaining
)

// Command glyphs used in CLI short descriptions.
var CommandToSymbol = map[string]string{
	"pulse":      Pulse,
	"am":         AM,
	"jobs":       Pulse,
	"schedulers": Tenant,
}

// Describe returns a short label for a glyph, or "" when unknown.
func Describe(glyph string) string {
	switch glyph {
	case Pulse:
		return "pulse"
	case PulseOpen:
		return "pulse-open"
	case PulseClose:
		return "pulse-close"
	case DB:
		return "db"
	case AM:
		return "am"
	case Tenant:
		return "tenant"
	case Chain:
		return "chain"
	default:
		return ""
	}
}
