package event

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() Event {
	return Event{
		SourceType: SourceSyslog,
		Hostname:   "core-01",
		Timestamp:  "2025-01-01T00:00:00Z",
		Message:    "Interface down on Gi0/1",
	}
}

func TestValidateAcceptsWellFormedEvent(t *testing.T) {
	ev := validEvent()
	require.NoError(t, ev.Validate())
}

func TestValidateRejectsBadFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"bad source type", func(e *Event) { e.SourceType = "carrier-pigeon" }},
		{"empty hostname", func(e *Event) { e.Hostname = "" }},
		{"hostname too long", func(e *Event) { e.Hostname = strings.Repeat("a", MaxHostnameLen+1) }},
		{"message too long", func(e *Event) { e.Message = strings.Repeat("x", MaxMessageLen+1) }},
		{"missing timestamp", func(e *Event) { e.Timestamp = "" }},
		{"non-RFC3339 timestamp", func(e *Event) { e.Timestamp = "01/01/2025 00:00" }},
		{"malformed oid", func(e *Event) { e.TrapOID = "1.3.6.x" }},
		{"oid with empty label", func(e *Event) { e.TrapOID = "1..3" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := validEvent()
			tc.mutate(&ev)
			assert.Error(t, ev.Validate())
		})
	}
}

func TestValidateBoundaryLengths(t *testing.T) {
	ev := validEvent()
	ev.Hostname = strings.Repeat("a", MaxHostnameLen)
	ev.Message = strings.Repeat("x", MaxMessageLen)
	assert.NoError(t, ev.Validate())
}

func TestVendorFieldsSurviveRoundTrip(t *testing.T) {
	raw := `{
		"source_type": "snmp",
		"hostname": "sw-07",
		"timestamp": "2025-01-01T00:00:00Z",
		"message": "link flap",
		"trap_oid": "1.3.6.1.4.1.9",
		"vendor_chassis": "WS-C3850",
		"vendor_slot": 3
	}`

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	require.Contains(t, ev.Extra, "vendor_chassis")
	require.Contains(t, ev.Extra, "vendor_slot")

	out, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.JSONEq(t, `"WS-C3850"`, string(decoded["vendor_chassis"]))
	assert.JSONEq(t, `3`, string(decoded["vendor_slot"]))
	assert.JSONEq(t, `"sw-07"`, string(decoded["hostname"]))
}

func TestAlertRoundTripKeepsClassification(t *testing.T) {
	id := int64(42)
	ev := validEvent()
	ev.CorrelationID = "c-1"
	ev.Extra = map[string]json.RawMessage{"vendor_slot": json.RawMessage(`3`)}
	alert := Alert{
		Event:         ev,
		MatchedRuleID: &id,
		Decision:      DecisionPageAndTicket,
		Team:          "NETENG",
		Environment:   EnvProd,
	}

	out, err := json.Marshal(alert)
	require.NoError(t, err)

	var decoded Alert
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.NotNil(t, decoded.MatchedRuleID)
	assert.Equal(t, id, *decoded.MatchedRuleID)
	assert.Equal(t, DecisionPageAndTicket, decoded.Decision)
	assert.Equal(t, "NETENG", decoded.Team)
	assert.Equal(t, EnvProd, decoded.Environment)
	assert.False(t, decoded.MetaAlert)
	assert.Equal(t, "c-1", decoded.CorrelationID)
	assert.JSONEq(t, `3`, string(decoded.Extra["vendor_slot"]))
}

func TestFingerprintNormalizesVariableParts(t *testing.T) {
	a := Fingerprint("Interface Gi0/1 down, errors=1523")
	b := Fingerprint("interface gi0/2 down,   errors=99")
	c := Fingerprint("BGP neighbor 10.0.0.1 went down")

	assert.Equal(t, a, b, "same fault shape should share a fingerprint")
	assert.NotEqual(t, a, c)
}

func TestPayloadHashIsExact(t *testing.T) {
	assert.Equal(t, PayloadHash([]byte("x")), PayloadHash([]byte("x")))
	assert.NotEqual(t, PayloadHash([]byte("x")), PayloadHash([]byte("x ")))
}
