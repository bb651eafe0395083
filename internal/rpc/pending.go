package rpc

import (
	"encoding/json"
	"sync"

	"scenechat/internal/logging"
)

// StatusFunc receives tool.status notifications for one in-flight call.
type StatusFunc func(callID, status, message string)

// callOutcome is the single resolution of a pending call: a result or
// an error, never both.
type callOutcome struct {
	result json.RawMessage
	err    error
}

// pendingCall tracks one in-flight tool call waiting for its response.
type pendingCall struct {
	callID   string
	toolName string
	outcome  chan callOutcome
	status   StatusFunc
}

// pendingTable is the correlation table mapping call ids to pending
// calls. Entries are owned by the table from registration until they
// are resolved, rejected, dropped, or failed en masse; each id is
// delivered its outcome exactly once.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

// register creates a pending entry for callID. The returned call's
// outcome channel receives exactly one value.
func (t *pendingTable) register(callID, toolName string, status StatusFunc) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	pc := &pendingCall{
		callID:   callID,
		toolName: toolName,
		outcome:  make(chan callOutcome, 1),
		status:   status,
	}
	t.calls[callID] = pc
	return pc
}

// resolve delivers a successful result to the waiter for callID.
// Unknown ids are ignored with a warning; a timed-out call's late
// response lands here and is deliberately discarded.
func (t *pendingTable) resolve(callID string, result json.RawMessage) {
	t.mu.Lock()
	pc, ok := t.calls[callID]
	if ok {
		delete(t.calls, callID)
	}
	t.mu.Unlock()

	if !ok {
		logging.BridgeWarn("no pending call for id %s, discarding result", callID)
		return
	}
	pc.outcome <- callOutcome{result: result}
}

// reject delivers a failure to the waiter for callID. Unknown ids are
// ignored with a warning.
func (t *pendingTable) reject(callID string, err error) {
	t.mu.Lock()
	pc, ok := t.calls[callID]
	if ok {
		delete(t.calls, callID)
	}
	t.mu.Unlock()

	if !ok {
		logging.BridgeWarn("no pending call for id %s, discarding error: %v", callID, err)
		return
	}
	pc.outcome <- callOutcome{err: err}
}

// notifyStatus forwards a tool.status notification to the call's status
// sink. A no-op if the id is unknown or the call has no sink.
func (t *pendingTable) notifyStatus(callID, status, message string) {
	t.mu.Lock()
	pc, ok := t.calls[callID]
	t.mu.Unlock()

	if !ok || pc.status == nil {
		return
	}
	pc.status(callID, status, message)
}

// drop removes callID without delivering an outcome. Used on timeout,
// where the caller has already stopped listening.
func (t *pendingTable) drop(callID string) {
	t.mu.Lock()
	delete(t.calls, callID)
	t.mu.Unlock()
}

// failAll atomically fails every still-pending call with err and clears
// the table. Safe to call when the table is empty. Returns the number
// of calls failed.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*pendingCall)
	t.mu.Unlock()

	for _, pc := range calls {
		pc.outcome <- callOutcome{err: err}
	}
	return len(calls)
}

// size returns the number of in-flight calls.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
