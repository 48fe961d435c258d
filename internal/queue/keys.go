package queue

// Canonical key layout for the queue substrate. Operator tooling greps and
// manipulates these keys directly, so the layout is part of the external
// contract — change it and every runbook breaks.
const (
	IngestQueue = "mutt:ingest_queue"
	AlertQueue  = "mutt:alert_queue"

	DLQAlerter = "mutt:dlq:alerter"
	DLQMoog    = "mutt:dlq:moog"
	DLQDead    = "mutt:dlq:dead"

	RateLimitSink   = "mutt:ratelimit:sink"
	RateLimitIngest = "mutt:ratelimit:ingest"
	CircuitSink     = "mutt:cb:sink"

	ConfigPrefix       = "mutt:config:"
	ConfigAuditPrefix  = "mutt:config:audit:"
	ConfigUpdates      = "mutt:config:updates"
	UnhandledPrefix    = "mutt:unhandled:"
	UnhandledSealed    = "mutt:unhandled:sealed:"
	processingPrefix   = "mutt:processing:"
	heartbeatPrefix    = "mutt:heartbeat:"
	retryCounterPrefix = "mutt:retry:"
)

// Worker roles. The role is part of the processing-list and heartbeat key so
// that each worker type's janitor only reclaims its own kind. Remediation
// stages under one role per source DLQ, so orphaned items can be returned to
// the queue they came from.
const (
	RoleAlerter            = "alerter"
	RoleMoog               = "moog"
	RoleRemediationMoog    = "remediation:moog"
	RoleRemediationAlerter = "remediation:alerter"
)

// ProcessingList returns the per-worker in-flight list key.
func ProcessingList(role, pod string) string {
	return processingPrefix + role + ":" + pod
}

// ProcessingPattern returns the scan pattern matching all processing lists
// for a role.
func ProcessingPattern(role string) string {
	return processingPrefix + role + ":*"
}

// HeartbeatKey returns the per-worker heartbeat key.
func HeartbeatKey(role, pod string) string {
	return heartbeatPrefix + role + ":" + pod
}

// HeartbeatForProcessing maps a processing-list key back to its heartbeat
// key. Returns "" if the key is not a processing-list key.
func HeartbeatForProcessing(listKey string) string {
	if len(listKey) <= len(processingPrefix) || listKey[:len(processingPrefix)] != processingPrefix {
		return ""
	}
	return heartbeatPrefix + listKey[len(processingPrefix):]
}

// RetryKey returns the poison/retry counter key for a payload hash.
func RetryKey(role, hash string) string {
	return retryCounterPrefix + role + ":" + hash
}

// UnhandledKey returns the unhandled-bucket counter key for a host and
// message fingerprint.
func UnhandledKey(host, fingerprint string) string {
	return UnhandledPrefix + host + ":" + fingerprint
}
