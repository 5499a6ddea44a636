// Package logging provides audit logging for gate decisions.
// Audit logs are JSON-line structured events recording every accept/reject
// decision the engine makes, so a review can reconstruct why a mutation
// was or was not allowed.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Plan lifecycle events
	AuditPlanSubmitted AuditEventType = "plan_submitted"
	AuditPlanAccepted  AuditEventType = "plan_accepted"
	AuditPlanRejected  AuditEventType = "plan_rejected"
	AuditNodeRejected  AuditEventType = "node_rejected"

	// Run-state events
	AuditStateTransition AuditEventType = "state_transition"
	AuditStateDenied     AuditEventType = "state_denied"

	// Collision guard events
	AuditReserveGranted  AuditEventType = "reserve_granted"
	AuditReserveCollided AuditEventType = "reserve_collided"
	AuditReserveUngated  AuditEventType = "reserve_ungated"
	AuditGateApproved    AuditEventType = "gate_approved"

	// Patch executor events
	AuditPatchApplied  AuditEventType = "patch_applied"
	AuditPatchRejected AuditEventType = "patch_rejected"
	AuditPatchNoop     AuditEventType = "patch_noop"

	// Session events
	AuditSessionStart AuditEventType = "session_start"
	AuditSessionEnd   AuditEventType = "session_end"
)

// AuditEvent represents a structured audit log entry.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`      // Unix milliseconds
	EventType  AuditEventType         `json:"event"`   // Event type
	SessionID  string                 `json:"session"` // Session correlation
	NodeID     string                 `json:"node"`    // Plan node if applicable
	Target     string                 `json:"target"`  // Target of operation
	Code       string                 `json:"code"`    // Rejection code if failed
	Success    bool                   `json:"success"` // Operation succeeded
	DurationMs int64                  `json:"dur_ms"`  // Duration in milliseconds
	Message    string                 `json:"msg"`     // Human-readable message
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger handles structured audit logging
type AuditLogger struct {
	sessionID string
}

// InitAudit initializes the audit logging system
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n# Format: one JSON gate decision per line\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithSession creates an audit logger scoped to a session
func AuditWithSession(sessionID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.SessionID == "" && a.sessionID != "" {
		event.SessionID = a.sessionID
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// PlanDecision logs a plan-level accept/reject decision.
func (a *AuditLogger) PlanDecision(planID string, accepted bool, rejectedNodes int) {
	eventType := AuditPlanAccepted
	if !accepted {
		eventType = AuditPlanRejected
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Target:    planID,
		Success:   accepted,
		Fields:    map[string]interface{}{"rejected_nodes": rejectedNodes},
		Message:   fmt.Sprintf("Plan %s: accepted=%v rejected_nodes=%d", planID, accepted, rejectedNodes),
	})
}

// NodeRejected logs a single node rejection with its codes.
func (a *AuditLogger) NodeRejected(nodeID string, codes []string, diagnostics []string) {
	code := ""
	if len(codes) > 0 {
		code = codes[0]
	}
	a.Log(AuditEvent{
		EventType: AuditNodeRejected,
		NodeID:    nodeID,
		Code:      code,
		Success:   false,
		Fields:    map[string]interface{}{"codes": codes, "diagnostics": diagnostics},
		Message:   fmt.Sprintf("Node %s rejected: %v", nodeID, codes),
	})
}

// StateTransition logs a run-state transition attempt.
func (a *AuditLogger) StateTransition(workID, from, to string, allowed bool) {
	eventType := AuditStateTransition
	if !allowed {
		eventType = AuditStateDenied
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Target:    workID,
		Success:   allowed,
		Fields:    map[string]interface{}{"from": from, "to": to},
		Message:   fmt.Sprintf("Run state %s: %s -> %s (allowed=%v)", workID, from, to, allowed),
	})
}

// Reservation logs a collision-guard decision.
func (a *AuditLogger) Reservation(operationID string, granted bool, code, reason string) {
	eventType := AuditReserveGranted
	if !granted {
		eventType = AuditReserveCollided
		if code == "EXEC_UNGATED_SIDE_EFFECT" {
			eventType = AuditReserveUngated
		}
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Target:    operationID,
		Code:      code,
		Success:   granted,
		Message:   fmt.Sprintf("Reservation %s: granted=%v %s", operationID, granted, reason),
	})
}

// GateApproved logs an external commit-gate approval.
func (a *AuditLogger) GateApproved(gateID string) {
	a.Log(AuditEvent{
		EventType: AuditGateApproved,
		Target:    gateID,
		Success:   true,
		Message:   fmt.Sprintf("Commit gate approved: %s", gateID),
	})
}

// PatchResult logs the outcome of a patch execution.
func (a *AuditLogger) PatchResult(nodeID, targetFile string, changed bool, replacements int, durationMs int64, errCode string) {
	eventType := AuditPatchApplied
	success := errCode == ""
	if !success {
		eventType = AuditPatchRejected
	} else if !changed {
		eventType = AuditPatchNoop
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		NodeID:     nodeID,
		Target:     targetFile,
		Code:       errCode,
		Success:    success,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"replacements": replacements, "changed": changed},
		Message:    fmt.Sprintf("Patch %s on %s: changed=%v replacements=%d code=%s", nodeID, targetFile, changed, replacements, errCode),
	})
}

// SessionStart logs session start
func (a *AuditLogger) SessionStart(sessionID string) {
	a.Log(AuditEvent{
		EventType: AuditSessionStart,
		SessionID: sessionID,
		Success:   true,
		Message:   fmt.Sprintf("Session started: %s", sessionID),
	})
}

// SessionEnd logs session end
func (a *AuditLogger) SessionEnd(sessionID string, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditSessionEnd,
		SessionID:  sessionID,
		Success:    true,
		DurationMs: durationMs,
		Message:    fmt.Sprintf("Session ended: %s (%dms)", sessionID, durationMs),
	})
}
