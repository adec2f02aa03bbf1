//go:build !windows && !plan9

package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"
)

var _ Logger = (*SyslogLogger)(nil)

// syslogPrefix marks vault events in a shared syslog stream
const syslogPrefix = "SECUREVAULT_AUDIT: "

type SyslogOptions struct {
	Network  string `json:"network"`  // "tcp", "udp" or empty for the local daemon
	Address  string `json:"address"`  // "localhost:514"
	Priority int    `json:"priority"` // facility | severity, defaults from LogLevel
	Tag      string `json:"tag"`
}

// SyslogLogger forwards audit events to the local or a remote syslog daemon.
// It cannot answer queries; the history lives with the daemon.
type SyslogLogger struct {
	config *Config
	opts   SyslogOptions
	writer *syslog.Writer
}

func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var opts SyslogOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}
	if opts.Priority == 0 {
		opts.Priority = int(levelPriority(config.LogLevel) | syslog.LOG_AUTH)
	}
	if opts.Tag == "" {
		opts.Tag = "securevault-audit"
	}

	var (
		writer *syslog.Writer
		err    error
	)
	if opts.Network != "" && opts.Address != "" {
		writer, err = syslog.Dial(opts.Network, opts.Address, syslog.Priority(opts.Priority), opts.Tag)
	} else {
		writer, err = syslog.New(syslog.Priority(opts.Priority), opts.Tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create syslog writer: %w", err)
	}

	return &SyslogLogger{config: config, opts: opts, writer: writer}, nil
}

func levelPriority(level string) syslog.Priority {
	switch level {
	case "error":
		return syslog.LOG_ERR
	case "warn":
		return syslog.LOG_WARNING
	default:
		return syslog.LOG_INFO
	}
}

func (s *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	if !s.config.Enabled {
		return nil
	}

	event := newEvent(s.config.Namespace, action, success, metadata)
	event.Source = "securevault"
	return s.writeEvent(event)
}

func (s *SyslogLogger) Close() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}

func (s *SyslogLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, fmt.Errorf("syslog logger does not support querying historical data")
}

func (s *SyslogLogger) writeEvent(event Event) error {
	if s.writer == nil {
		return fmt.Errorf("syslog writer not initialized")
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	message := syslogPrefix + string(eventJSON)

	switch severity := eventSeverity(event); {
	case severity == syslog.LOG_ERR:
		return s.writer.Err(message)
	case severity == syslog.LOG_WARNING:
		return s.writer.Warning(message)
	case severity == syslog.LOG_NOTICE:
		return s.writer.Notice(message)
	case levelPriority(s.config.LogLevel) < syslog.LOG_INFO:
		// successful routine reads and writes are below the configured level
		return nil
	default:
		return s.writer.Info(message)
	}
}

// eventSeverity ranks failures above key and lifecycle events above routine access
func eventSeverity(event Event) syslog.Priority {
	switch {
	case !event.Success && event.Error != "":
		return syslog.LOG_ERR
	case !event.Success:
		return syslog.LOG_WARNING
	case isSecurityCriticalAction(event.Action):
		return syslog.LOG_NOTICE
	default:
		return syslog.LOG_INFO
	}
}

func isSecurityCriticalAction(action string) bool {
	switch action {
	case ActionKeyProvisioned, ActionVaultOpen, ActionVaultClose, ActionSecretDelete:
		return true
	default:
		return false
	}
}
