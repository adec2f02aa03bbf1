//go:build !windows && !plan9

package audit

import (
	"log/syslog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventSeverity(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  syslog.Priority
	}{
		{"failure with error", Event{Action: ActionSecretGet, Error: "corrupted"}, syslog.LOG_ERR},
		{"failure without error", Event{Action: ActionSecretGet}, syslog.LOG_WARNING},
		{"key provisioned", Event{Action: ActionKeyProvisioned, Success: true}, syslog.LOG_NOTICE},
		{"routine read", Event{Action: ActionSecretGet, Success: true}, syslog.LOG_INFO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, eventSeverity(tt.event))
		})
	}
}

func TestLevelPriority(t *testing.T) {
	assert.Equal(t, syslog.LOG_ERR, levelPriority("error"))
	assert.Equal(t, syslog.LOG_WARNING, levelPriority("warn"))
	assert.Equal(t, syslog.LOG_INFO, levelPriority(""))
}
