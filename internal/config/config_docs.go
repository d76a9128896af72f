package config

// ///////////////////////////////////////////////
// Documentation Types
// ///////////////////////////////////////////////

// FieldDoc holds documentation and alternative examples for a single config field.
// The genconfig tool uses [FieldDoc] values to annotate the generated config.default.toml.
type FieldDoc struct {
	// Comment is shown as a header comment above the field in the example config.
	Comment string

	// Alternatives are shown as commented-out lines below the active value.
	Alternatives []string
}

// ///////////////////////////////////////////////
// Field Documentation Map
// ///////////////////////////////////////////////

// ConfigDocs maps TOML field paths (dot-separated, e.g. "agent.bridge_url")
// to their [FieldDoc] entries. The genconfig tool uses this map to annotate the
// generated config.default.toml with inline comments and alternative examples.
var ConfigDocs = map[string]FieldDoc{
	// ── Root ──────────────────────────────────────────────────────
	"version": {
		Comment: "Config schema version — do not edit.",
	},

	// ── Account ──────────────────────────────────────────────────
	"account.id": {
		Comment: "Account all sessions on this machine belong to.",
	},
	"account.timezone": {
		Comment: "IANA reporting timezone for date-range queries.\nEmpty uses the system's local zone.",
		Alternatives: []string{
			`timezone = "Asia/Shanghai"`,
			`timezone = "America/New_York"`,
		},
	},

	// ── Agent ────────────────────────────────────────────────────
	"agent.bridge_url": {
		Comment: "Local message endpoint of the browser companion agent.",
	},
	"agent.request_timeout_seconds": {
		Comment: "Cap on one channel request, including transport retries.",
	},
	"agent.retry_max": {
		Comment: "Transient retries per request before the failure counts\nagainst the circuit breaker.",
	},

	// ── Breaker ──────────────────────────────────────────────────
	"breaker.failure_threshold": {
		Comment: "Consecutive failures before the breaker opens and calls\nfail fast with AgentUnavailable.",
	},
	"breaker.cooldown_seconds": {
		Comment: "Initial open interval before a recovery probe. Doubles on\neach failed probe, up to max_cooldown_seconds.",
	},
	"breaker.max_cooldown_seconds": {},

	// ── Arbiter ──────────────────────────────────────────────────
	"arbiter.heartbeat_interval_seconds": {
		Comment: "How often this instance re-announces its heartbeat when\nseveral windows are open at once.",
	},
	"arbiter.heartbeat_timeout_seconds": {
		Comment: "Heartbeats older than this are treated as dead. Must exceed\nthe interval.",
	},

	// ── Timer ────────────────────────────────────────────────────
	"timer.drift_tolerance_seconds": {
		Comment: "Allowed gap between the nominal tick counter and wall-clock\nelapsed time before a correction (or anomaly) is recorded.",
	},
	"timer.orphan_threshold_minutes": {
		Comment: "Active sessions unowned for longer than this are force-closed\nat startup, flagged for reconciliation.",
	},

	// ── Sync ─────────────────────────────────────────────────────
	"sync.interval_seconds": {
		Comment: "Background reconciliation period with the companion agent.",
	},

	// ── Server ───────────────────────────────────────────────────
	"server.listen_addr": {
		Comment: "Local address the daemon's HTTP API binds to.",
	},

	// ── Sites ────────────────────────────────────────────────────
	"sites.tracked": {
		Comment: "Glob patterns matched against hostnames reported by the agent.\nOnly matching sites produce site-usage sessions.",
		Alternatives: []string{
			`tracked = ["*.reddit.com", "**.news.*"]`,
		},
	},

	// ── Log ──────────────────────────────────────────────────────
	"log.level": {
		Comment: "Minimum log level: trace, debug, info, warn, error.",
	},
	"log.max_size_mb": {
		Comment: "Log file size before rotation.",
	},
}
