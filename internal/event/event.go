// Package event defines the wire-level domain objects that move through the
// pipeline: the Event accepted at the ingest gateway and the Alert the
// rule-matching engine derives from it.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SourceType identifies the kind of monitoring source an event came from.
type SourceType string

const (
	SourceSyslog  SourceType = "syslog"
	SourceSNMP    SourceType = "snmp"
	SourceWebhook SourceType = "webhook"
	SourceOther   SourceType = "other"
)

// Valid reports whether the source type is one of the recognized values.
func (s SourceType) Valid() bool {
	switch s {
	case SourceSyslog, SourceSNMP, SourceWebhook, SourceOther:
		return true
	}
	return false
}

// Decision is the handling outcome a matched rule prescribes.
type Decision string

const (
	DecisionPageAndTicket Decision = "PAGE_AND_TICKET"
	DecisionPageOnly      Decision = "PAGE_ONLY"
	DecisionTicketOnly    Decision = "TICKET_ONLY"
	DecisionIgnore        Decision = "IGNORE"
)

// Environment classifies the originating host.
type Environment string

const (
	EnvProd Environment = "PROD"
	EnvDev  Environment = "DEV"
)

// Field bounds enforced at the ingest gateway.
const (
	MaxHostnameLen = 255
	MaxMessageLen  = 65535
)

// Event is a monitoring event as accepted at the ingest gateway. Vendor
// fields not modeled here are retained verbatim in Extra and survive the
// whole pipeline.
type Event struct {
	SourceType     SourceType `json:"source_type"`
	Hostname       string     `json:"hostname"`
	Timestamp      string     `json:"timestamp"`
	Message        string     `json:"message"`
	TrapOID        string     `json:"trap_oid,omitempty"`
	SyslogSeverity string     `json:"syslog_severity,omitempty"`
	CorrelationID  string     `json:"correlation_id,omitempty"`
	ReceivedAt     string     `json:"received_at,omitempty"`

	// Extra holds vendor fields passed through untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

// Alert is an Event plus its classification outcome. Exactly one of
// MatchedRuleID set / Unmatched true holds.
type Alert struct {
	Event

	MatchedRuleID *int64      `json:"matched_rule_id"`
	Decision      Decision    `json:"handling_decision"`
	Team          string      `json:"team_assignment"`
	Environment   Environment `json:"environment"`
	MetaAlert     bool        `json:"meta_alert,omitempty"`
}

// knownEventFields are the modeled keys; everything else lands in Extra.
var knownEventFields = map[string]bool{
	"source_type": true, "hostname": true, "timestamp": true, "message": true,
	"trap_oid": true, "syslog_severity": true, "correlation_id": true, "received_at": true,
}

// alertFields mirrors the classification keys Alert layers on top of Event.
// Alert needs its own codec: the embedded Event's methods would otherwise be
// promoted and the classification fields silently dropped.
type alertFields struct {
	MatchedRuleID *int64      `json:"matched_rule_id"`
	Decision      Decision    `json:"handling_decision"`
	Team          string      `json:"team_assignment"`
	Environment   Environment `json:"environment"`
	MetaAlert     bool        `json:"meta_alert,omitempty"`
}

var knownAlertFields = map[string]bool{
	"matched_rule_id": true, "handling_decision": true, "team_assignment": true,
	"environment": true, "meta_alert": true,
}

// MarshalJSON flattens the alert into a single object: event fields, vendor
// fields, and classification fields side by side.
func (a Alert) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(a.Event)
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	cls, err := json.Marshal(alertFields{
		MatchedRuleID: a.MatchedRuleID,
		Decision:      a.Decision,
		Team:          a.Team,
		Environment:   a.Environment,
		MetaAlert:     a.MetaAlert,
	})
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(cls, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes a flattened alert.
func (a *Alert) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &a.Event); err != nil {
		return err
	}
	var f alertFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	a.MatchedRuleID = f.MatchedRuleID
	a.Decision = f.Decision
	a.Team = f.Team
	a.Environment = f.Environment
	a.MetaAlert = f.MetaAlert
	for k := range a.Extra {
		if knownAlertFields[k] {
			delete(a.Extra, k)
		}
	}
	if len(a.Extra) == 0 {
		a.Extra = nil
	}
	return nil
}

// UnmarshalJSON decodes an event, preserving unknown vendor fields.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownEventFields[k] {
			delete(raw, k)
		}
	}
	*e = Event(p)
	if len(raw) > 0 {
		e.Extra = raw
	}
	return nil
}

// MarshalJSON encodes the event with vendor fields folded back in.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	base, err := json.Marshal(plain(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Validate checks the required-field and bound invariants from the ingest
// contract. The returned error message is safe to echo back to the caller.
func (e *Event) Validate() error {
	if !e.SourceType.Valid() {
		return fmt.Errorf("source_type must be one of syslog|snmp|webhook|other, got %q", e.SourceType)
	}
	if e.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if len(e.Hostname) > MaxHostnameLen {
		return fmt.Errorf("hostname exceeds %d bytes", MaxHostnameLen)
	}
	if len(e.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds %d bytes", MaxMessageLen)
	}
	if e.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		return fmt.Errorf("timestamp must be RFC3339: %v", err)
	}
	if e.TrapOID != "" && !validOID(e.TrapOID) {
		return fmt.Errorf("trap_oid must be dotted-decimal, got %q", e.TrapOID)
	}
	return nil
}

func validOID(oid string) bool {
	if oid == "" {
		return false
	}
	for _, label := range strings.Split(oid, ".") {
		if label == "" {
			return false
		}
		for _, r := range label {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}
