// Copyright 2025 Toolmux Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging records structured aggregator events as JSONL for later
// inspection via `toolmux logs`.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/toolmux/toolmux/internal/common"
)

// Event represents a single structured event emitted by the aggregator.
// Each event captures one request, response, or lifecycle occurrence and is
// serialized as one JSON line.
type Event struct {
	// Timestamp is the exact time when the event was created
	Timestamp time.Time `json:"timestamp"`

	// RequestID uniquely identifies a single request/response pair
	RequestID string `json:"request_id"`

	// SessionID groups multiple requests within the same upstream session
	SessionID string `json:"session_id,omitempty"`

	// Direction indicates the flow perspective:
	// "request" (upstream→aggregator),
	// "response" (aggregator→upstream), or
	// "system" (lifecycle and background events).
	Direction string `json:"direction"`

	// Operation names the aggregator operation: "find", "run", "reconcile",
	// "gate", or "serve".
	Operation string `json:"operation"`

	// Profile is the active profile name
	Profile string `json:"profile"`

	// Downstream is the downstream server involved, if any
	Downstream string `json:"downstream,omitempty"`

	// Tool is the display name of the tool involved, if any
	Tool string `json:"tool,omitempty"`

	// Message contains a human-readable description or the payload summary
	Message string `json:"message"`

	// MessageType categorizes the outcome: "request", "response", "error",
	// "warning", or "system". Direction stays stable across outcomes while
	// MessageType flips to "error" for failures, so the stream can be filtered
	// by flow and by status independently.
	MessageType string `json:"message_type"`

	// Success indicates whether the operation completed successfully
	Success bool `json:"success"`

	// Error contains error details if Success is false
	Error string `json:"error,omitempty"`

	// Metadata holds additional context-specific key-value pairs
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventLogger appends aggregator events to a date-stamped JSONL file.
type EventLogger struct {
	logFile *os.File
	logPath string
	profile string
}

// NewEventLogger creates an event logger writing to
// <data-dir>/logs/events_<date>.jsonl.
func NewEventLogger(profile string) (*EventLogger, error) {
	logsDir, err := common.LogsDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(logsDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	logFileName := fmt.Sprintf("events_%s.jsonl", time.Now().Format("2006-01-02"))
	logPath := filepath.Join(logsDir, logFileName)

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	return &EventLogger{
		logFile: logFile,
		logPath: logPath,
		profile: profile,
	}, nil
}

// Close closes the event log file.
func (l *EventLogger) Close() error {
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

// GetLogPath returns the absolute path to the current event log file.
func (l *EventLogger) GetLogPath() string {
	return l.logPath
}

// LogRequest records an incoming find or run request.
func (l *EventLogger) LogRequest(requestID, sessionID, operation, message string) error {
	return l.logEvent(&Event{
		Timestamp:   time.Now(),
		RequestID:   requestID,
		SessionID:   sessionID,
		Direction:   "request",
		Operation:   operation,
		Profile:     l.profile,
		Message:     message,
		MessageType: "request",
		Success:     true,
	})
}

// LogResponse records the outcome of a find or run request.
func (l *EventLogger) LogResponse(requestID, sessionID, operation, downstream, tool, message string, success bool, errorMsg string) error {
	event := Event{
		Timestamp:   time.Now(),
		RequestID:   requestID,
		SessionID:   sessionID,
		Direction:   "response",
		Operation:   operation,
		Profile:     l.profile,
		Downstream:  downstream,
		Tool:        tool,
		Message:     message,
		MessageType: "response",
		Success:     success,
	}
	if !success {
		event.Error = errorMsg
		event.MessageType = "error"
	}
	return l.logEvent(&event)
}

// LogServeStart records aggregator startup for a session.
func (l *EventLogger) LogServeStart(sessionID string, downstreams int) error {
	return l.logEvent(&Event{
		Timestamp:   time.Now(),
		RequestID:   fmt.Sprintf("start_%d", time.Now().UnixNano()),
		SessionID:   sessionID,
		Direction:   "system",
		Operation:   "serve",
		Profile:     l.profile,
		Message:     fmt.Sprintf("Aggregator started with %d downstreams", downstreams),
		MessageType: "system",
		Success:     true,
	})
}

// LogServeStop records aggregator shutdown.
func (l *EventLogger) LogServeStop(sessionID string, success bool, errorMsg string) error {
	event := Event{
		Timestamp:   time.Now(),
		RequestID:   fmt.Sprintf("stop_%d", time.Now().UnixNano()),
		SessionID:   sessionID,
		Direction:   "system",
		Operation:   "serve",
		Profile:     l.profile,
		Message:     "Aggregator stopped",
		MessageType: "system",
		Success:     success,
	}
	if !success {
		event.Error = errorMsg
	}
	return l.logEvent(&event)
}

// LogReconcile records the outcome of indexing one downstream.
func (l *EventLogger) LogReconcile(downstream, message string, success bool, errorMsg string) error {
	event := Event{
		Timestamp:   time.Now(),
		RequestID:   fmt.Sprintf("reconcile_%d", time.Now().UnixNano()),
		Direction:   "system",
		Operation:   "reconcile",
		Profile:     l.profile,
		Downstream:  downstream,
		Message:     message,
		MessageType: "system",
		Success:     success,
	}
	if !success {
		event.Error = errorMsg
		event.MessageType = "error"
	}
	return l.logEvent(&event)
}

// LogSchemaDrift records that a downstream reported a different input schema
// for an already-indexed tool. The indexed schema is replaced; the event keeps
// an audit trail.
func (l *EventLogger) LogSchemaDrift(downstream, tool string) error {
	return l.logEvent(&Event{
		Timestamp:   time.Now(),
		RequestID:   fmt.Sprintf("drift_%d", time.Now().UnixNano()),
		Direction:   "system",
		Operation:   "reconcile",
		Profile:     l.profile,
		Downstream:  downstream,
		Tool:        tool,
		Message:     "Tool input schema changed since last index",
		MessageType: "warning",
		Success:     true,
		Metadata:    map[string]string{"reason": "schema_drift"},
	})
}

// LogGateIntercept records that the confirmation gate held back a call.
func (l *EventLogger) LogGateIntercept(requestID, sessionID, downstream, tool string, similarity float64) error {
	return l.logEvent(&Event{
		Timestamp:   time.Now(),
		RequestID:   requestID,
		SessionID:   sessionID,
		Direction:   "response",
		Operation:   "gate",
		Profile:     l.profile,
		Downstream:  downstream,
		Tool:        tool,
		Message:     "Mutating call intercepted, confirmation required",
		MessageType: "warning",
		Success:     true,
		Metadata:    map[string]string{"similarity": fmt.Sprintf("%.3f", similarity)},
	})
}

// logEvent writes one event as a JSON line and syncs it to disk.
func (l *EventLogger) logEvent(event *Event) error {
	if l.logFile == nil {
		return fmt.Errorf("event logger not initialized")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := l.logFile.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if _, err := l.logFile.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return l.logFile.Sync()
}
