package adjust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer mimics the chat surface with the server's state machine
// semantics: one open conversation per block, two-or-zero message
// persistence, proposal lifecycle.
type fakeServer struct {
	mu            sync.Mutex
	nextID        int64
	conversation  *Conversation
	messages      []serverMessage
	proposal      *Proposal
	failSend      bool
	blockHandler  chan struct{}
	activeCalls   int
	createCalls   int
	sendCalls     int
	proposeCalls  int
	validateCalls int
}

func newFakeServer() *fakeServer {
	return &fakeServer{nextID: 100}
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/chat/blocks/{blockId}/active-conversation", f.handleActive)
	mux.HandleFunc("POST /api/v1/chat/conversations", f.handleCreate)
	mux.HandleFunc("POST /api/v1/chat/conversations/{id}/messages", f.handleSend)
	mux.HandleFunc("POST /api/v1/chat/conversations/{id}/propose", f.handlePropose)
	mux.HandleFunc("POST /api/v1/chat/conversations/{id}/validate", f.handleValidate)
	mux.HandleFunc("POST /api/v1/chat/conversations/{id}/reject", f.handleReject)
	return mux
}

func (f *fakeServer) waitPoint() {
	f.mu.Lock()
	ch := f.blockHandler
	f.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

func (f *fakeServer) handleActive(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeCalls++
	open := f.conversation != nil &&
		(f.conversation.State == StateActive || f.conversation.State == StateProposalReady)
	if !open {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "no active conversation"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": f.conversation,
		"messages":     f.messages,
		"proposal":     f.proposal,
	})
}

func (f *fakeServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BlockID   int64  `json:"block_id"`
		ScopeMode string `json:"scope_mode"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	open := f.conversation != nil &&
		(f.conversation.State == StateActive || f.conversation.State == StateProposalReady)
	if !open {
		f.nextID++
		f.conversation = &Conversation{
			ID:        f.nextID,
			UserID:    1,
			BlockID:   req.BlockID,
			ScopeMode: req.ScopeMode,
			State:     StateActive,
		}
		f.messages = nil
		f.proposal = nil
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"conversation": f.conversation,
		"messages":     f.messages,
	})
}

func (f *fakeServer) handleSend(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.sendCalls++
	f.mu.Unlock()

	f.waitPoint()

	var req struct {
		Content string `json:"content"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": "coach unavailable"})
		return
	}
	if f.conversation == nil || f.conversation.State != StateActive {
		writeJSON(w, http.StatusConflict, map[string]any{"detail": "conversation is closed"})
		return
	}

	f.nextID++
	f.messages = append(f.messages, serverMessage{ID: f.nextID, Role: RoleUser, Content: req.Content})
	f.nextID++
	reply := fmt.Sprintf("Bien note : %s", req.Content)
	f.messages = append(f.messages, serverMessage{ID: f.nextID, Role: RoleAssistant, Content: reply})

	writeJSON(w, http.StatusOK, map[string]any{
		"message_id":        f.nextID,
		"content":           reply,
		"is_cached":         false,
		"tokens_used":       42,
		"approaching_limit": false,
		"message_count":     len(f.messages),
	})
}

func (f *fakeServer) handlePropose(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proposeCalls++
	if f.conversation == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "no active conversation"})
		return
	}
	switch f.conversation.State {
	case StateActive:
		f.proposal = &Proposal{
			Analysis: "Le volume hebdomadaire peut augmenter progressivement.",
			Adjustments: []WorkoutAdjustment{
				{
					WorkoutID: 7,
					Action:    "modify",
					Current:   WorkoutSnapshot{Date: "2026-09-05", Type: "long_run", DistanceKm: 16},
					Proposed:  &WorkoutSnapshot{Date: "2026-09-05", Type: "long_run", DistanceKm: 18},
					Reasoning: "Augmentation du volume demandee",
				},
			},
			TokensUsed: 310,
		}
		f.conversation.State = StateProposalReady
		writeJSON(w, http.StatusOK, f.proposal)
	case StateProposalReady:
		writeJSON(w, http.StatusOK, f.proposal)
	default:
		writeJSON(w, http.StatusConflict, map[string]any{"detail": "conversation is closed"})
	}
}

func (f *fakeServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateCalls++
	if f.conversation == nil || f.conversation.State != StateProposalReady {
		writeJSON(w, http.StatusConflict, map[string]any{"detail": "no proposal ready"})
		return
	}
	f.conversation.State = StateValidated
	writeJSON(w, http.StatusOK, ValidationOutcome{
		ConversationID: f.conversation.ID,
		State:          StateValidated,
		Applied:        len(f.proposal.Adjustments),
		Modified:       len(f.proposal.Adjustments),
	})
}

func (f *fakeServer) handleReject(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conversation == nil || f.conversation.State != StateProposalReady {
		writeJSON(w, http.StatusConflict, map[string]any{"detail": "no proposal ready"})
		return
	}
	f.conversation.State = StateActive
	f.proposal = nil
	writeJSON(w, http.StatusOK, map[string]any{"conversation": f.conversation})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestManager(t *testing.T) (*Manager, *fakeServer) {
	t.Helper()
	fake := newFakeServer()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)
	return NewManager(server.Client(), server.URL, "test-token"), fake
}

func TestStartIsIdempotent(t *testing.T) {
	manager, _ := newTestManager(t)

	first, err := manager.Start(context.Background(), 1, ScopeModeBlockStart)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	second, err := manager.Start(context.Background(), 1, ScopeModeBlockStart)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected the same conversation, got %d then %d", first.ID, second.ID)
	}
	if manager.State() != StateActive {
		t.Errorf("expected active state, got %q", manager.State())
	}
}

func TestStartResumesBeforeCreating(t *testing.T) {
	manager, fake := newTestManager(t)

	if _, err := manager.Start(context.Background(), 1, ScopeModeBlockStart); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := manager.Start(context.Background(), 1, ScopeModeBlockStart); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	fake.mu.Lock()
	activeCalls, createCalls := fake.activeCalls, fake.createCalls
	fake.mu.Unlock()
	if activeCalls != 2 {
		t.Errorf("expected the open conversation looked up on every Start, got %d lookups", activeCalls)
	}
	if createCalls != 1 {
		t.Errorf("expected a single create after the not-found lookup, got %d", createCalls)
	}
}

func TestSendWithoutConversation(t *testing.T) {
	manager, _ := newTestManager(t)

	if manager.State() != StateNone {
		t.Fatalf("expected no state before Start, got %q", manager.State())
	}
	if _, err := manager.Send(context.Background(), "Je veux augmenter le volume"); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}
	if !errors.Is(manager.LastError(), ErrNoConversation) {
		t.Fatalf("expected the failure recorded, got %v", manager.LastError())
	}
}

func TestSendAppendsConfirmedPair(t *testing.T) {
	manager, _ := newTestManager(t)
	if _, err := manager.Start(context.Background(), 1, ScopeModeRolling4Weeks); err != nil {
		t.Fatalf("Start: %v", err)
	}

	result, err := manager.Send(context.Background(), "Je veux augmenter le volume des sorties longues")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.AssistantMessage.Content == "" {
		t.Fatal("expected a coach reply")
	}
	if result.TokensUsed != 42 {
		t.Errorf("expected 42 tokens, got %d", result.TokensUsed)
	}

	messages := manager.Messages()
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	for _, msg := range messages {
		if msg.Status != MessageStatusConfirmed {
			t.Errorf("expected message %q confirmed, got %q", msg.Content, msg.Status)
		}
	}
	if messages[0].Role != RoleUser || messages[1].Role != RoleAssistant {
		t.Errorf("expected user then assistant, got %q then %q", messages[0].Role, messages[1].Role)
	}
}

func TestSendFailureLeavesNoPendingMessage(t *testing.T) {
	manager, fake := newTestManager(t)
	if _, err := manager.Start(context.Background(), 1, ScopeModeBlockStart); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fake.mu.Lock()
	fake.failSend = true
	fake.mu.Unlock()

	_, err := manager.Send(context.Background(), "Cette semaine est trop dure")
	if err == nil {
		t.Fatal("expected Send to fail")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Detail != "coach unavailable" {
		t.Fatalf("expected detail from error body, got %v", err)
	}

	if got := manager.Messages(); len(got) != 0 {
		t.Fatalf("expected the failed turn to leave no messages, got %d", len(got))
	}
	if manager.LastError() == nil {
		t.Fatal("expected the failure recorded in LastError")
	}
}

func TestProposeTransitionsOnlyOnSuccess(t *testing.T) {
	manager, _ := newTestManager(t)
	if _, err := manager.Start(context.Background(), 1, ScopeModeBlockStart); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := manager.Send(context.Background(), "Je veux augmenter le volume"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	proposal, err := manager.Propose(context.Background())
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if len(proposal.Adjustments) != 1 {
		t.Fatalf("expected 1 adjustment, got %d", len(proposal.Adjustments))
	}
	if manager.State() != StateProposalReady {
		t.Errorf("expected proposal_ready, got %q", manager.State())
	}
	if manager.PendingProposal() == nil {
		t.Error("expected the proposal to be cached locally")
	}

	// The mirror accounts for both the discussion and the proposal run.
	if got := manager.Conversation().TotalTokens; got != 42+proposal.TokensUsed {
		t.Errorf("expected %d total tokens mirrored, got %d", 42+proposal.TokensUsed, got)
	}
}

func TestValidateRequiresProposal(t *testing.T) {
	manager, _ := newTestManager(t)
	if _, err := manager.Start(context.Background(), 1, ScopeModeBlockStart); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := manager.Validate(context.Background()); !errors.Is(err, ErrNoProposal) {
		t.Fatalf("expected ErrNoProposal, got %v", err)
	}
}

func TestValidateAppliesAndCloses(t *testing.T) {
	manager, fake := newTestManager(t)
	if _, err := manager.Start(context.Background(), 1, ScopeModeBlockStart); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := manager.Propose(context.Background()); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	outcome, err := manager.Validate(context.Background())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if outcome.State != StateValidated || outcome.Applied != 1 {
		t.Errorf("unexpected outcome %+v", outcome)
	}
	if manager.State() != StateValidated {
		t.Errorf("expected validated, got %q", manager.State())
	}
	if manager.PendingProposal() != nil {
		t.Error("expected the applied proposal to be cleared")
	}

	// The conversation is terminal; a second validate fails locally
	// without another round trip.
	if _, err := manager.Validate(context.Background()); !errors.Is(err, ErrNoProposal) {
		t.Fatalf("expected ErrNoProposal on double validate, got %v", err)
	}
	fake.mu.Lock()
	validateCalls := fake.validateCalls
	fake.mu.Unlock()
	if validateCalls != 1 {
		t.Errorf("expected a single validate call on the server, got %d", validateCalls)
	}
}

func TestRejectClearsProposalKeepsMessages(t *testing.T) {
	manager, _ := newTestManager(t)
	if _, err := manager.Start(context.Background(), 1, ScopeModeBlockStart); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := manager.Send(context.Background(), "Je veux plus de fractionne"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := manager.Propose(context.Background()); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	conversation, err := manager.Reject(context.Background())
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if conversation.State != StateActive {
		t.Errorf("expected active after reject, got %q", conversation.State)
	}
	if manager.PendingProposal() != nil {
		t.Error("expected the proposal to be cleared")
	}
	if got := manager.Messages(); len(got) != 2 {
		t.Errorf("expected history to survive reject, got %d messages", len(got))
	}

	// A second reject has nothing to discard.
	if _, err := manager.Reject(context.Background()); !errors.Is(err, ErrNoProposal) {
		t.Errorf("expected ErrNoProposal on double reject, got %v", err)
	}
}

func TestConcurrentOperationFailsFast(t *testing.T) {
	manager, fake := newTestManager(t)
	if _, err := manager.Start(context.Background(), 1, ScopeModeBlockStart); err != nil {
		t.Fatalf("Start: %v", err)
	}

	gate := make(chan struct{})
	fake.mu.Lock()
	fake.blockHandler = gate
	fake.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := manager.Send(context.Background(), "premier message")
		done <- err
	}()

	// Wait for the first call to reach the server before racing it.
	deadline := time.After(2 * time.Second)
	for {
		fake.mu.Lock()
		started := fake.sendCalls > 0
		fake.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first send never reached the server")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := manager.Send(context.Background(), "deuxieme message"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
}

func TestResetCancelsInFlight(t *testing.T) {
	manager, fake := newTestManager(t)
	if _, err := manager.Start(context.Background(), 1, ScopeModeBlockStart); err != nil {
		t.Fatalf("Start: %v", err)
	}

	gate := make(chan struct{})
	fake.mu.Lock()
	fake.blockHandler = gate
	fake.mu.Unlock()
	defer close(gate)

	done := make(chan error, 1)
	go func() {
		_, err := manager.Send(context.Background(), "message abandonne")
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for {
		fake.mu.Lock()
		started := fake.sendCalls > 0
		fake.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("send never reached the server")
		case <-time.After(5 * time.Millisecond):
		}
	}

	manager.Reset()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected the in-flight send to be cancelled")
		}
		if !errors.Is(err, context.Canceled) && !strings.Contains(err.Error(), "context canceled") {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after Reset")
	}

	if manager.Conversation() != nil || len(manager.Messages()) != 0 {
		t.Error("expected Reset to clear local state")
	}

	// The server conversation is still there; Start resumes it.
	if _, err := manager.Start(context.Background(), 1, ScopeModeBlockStart); err != nil {
		t.Fatalf("Start after Reset: %v", err)
	}
}

func TestFullAdjustmentFlow(t *testing.T) {
	manager, _ := newTestManager(t)

	if _, err := manager.Start(context.Background(), 3, ScopeModeRolling4Weeks); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := manager.Send(context.Background(), "Je veux augmenter le volume des sorties longues"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	proposal, err := manager.Propose(context.Background())
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if proposal.Adjustments[0].Proposed.DistanceKm <= proposal.Adjustments[0].Current.DistanceKm {
		t.Error("expected the proposal to increase the long run distance")
	}
	if _, err := manager.Validate(context.Background()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if manager.State() != StateValidated {
		t.Errorf("expected validated, got %q", manager.State())
	}
}
