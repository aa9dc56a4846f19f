package adjust

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Manager drives one adjustment conversation from the client side. All
// mutations go through the REST surface; the manager only caches what
// the server confirmed, plus optimistic pending user messages. A single
// operation may be in flight at a time; concurrent calls fail fast with
// ErrBusy instead of queueing.
type Manager struct {
	httpClient *http.Client
	baseURL    string
	token      string

	mu           sync.Mutex
	busy         bool
	lifeCtx      context.Context
	lifeCancel   context.CancelFunc
	conversation *Conversation
	messages     []Message
	proposal     *Proposal
	lastErr      error
	nextLocalID  int64
}

type conversationDetail struct {
	Conversation *Conversation   `json:"conversation"`
	Messages     []serverMessage `json:"messages"`
	Proposal     *Proposal       `json:"proposal,omitempty"`
}

type serverMessage struct {
	ID      int64  `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sendMessageResponse struct {
	MessageID        int64  `json:"message_id"`
	Content          string `json:"content"`
	IsCached         bool   `json:"is_cached"`
	TokensUsed       int    `json:"tokens_used"`
	ApproachingLimit bool   `json:"approaching_limit"`
	MessageCount     int    `json:"message_count"`
}

// NewManager binds a manager to a server and a bearer token. A nil
// client falls back to a default with a generous LLM-sized timeout.
func NewManager(client *http.Client, baseURL, token string) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Manager{
		httpClient: client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}
}

// Start resumes the block's open conversation when one exists and
// creates one otherwise, then binds the manager to it. Calling Start
// again for the same block just refreshes the mirror.
func (m *Manager) Start(ctx context.Context, blockID int64, scopeMode string) (_ *Conversation, err error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.finish(&err)

	var detail conversationDetail
	activePath := fmt.Sprintf("/api/v1/chat/blocks/%d/active-conversation", blockID)
	err = m.doJSON(ctx, http.MethodGet, activePath, nil, &detail)
	if isNotFound(err) {
		detail = conversationDetail{}
		err = m.doJSON(ctx, http.MethodPost, "/api/v1/chat/conversations", map[string]any{
			"block_id":   blockID,
			"scope_mode": scopeMode,
		}, &detail)
	}
	if err != nil {
		return nil, err
	}
	if detail.Conversation == nil {
		return nil, fmt.Errorf("adjust: malformed conversation response")
	}

	m.mu.Lock()
	m.conversation = detail.Conversation
	m.messages = confirmedMessages(detail.Messages)
	m.proposal = detail.Proposal
	m.mu.Unlock()

	return detail.Conversation, nil
}

// Send posts a user message and waits for the coach reply. The user
// message appears immediately as pending and is either confirmed with
// the assistant's reply or removed when the round trip fails, so the
// visible history always matches what the server persisted.
func (m *Manager) Send(ctx context.Context, content string) (_ *SendResult, err error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("adjust: empty message")
	}

	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.finish(&err)

	m.mu.Lock()
	if m.conversation == nil {
		m.mu.Unlock()
		return nil, ErrNoConversation
	}
	conversationID := m.conversation.ID
	m.nextLocalID++
	localID := m.nextLocalID
	m.messages = append(m.messages, Message{
		LocalID: localID,
		Role:    RoleUser,
		Content: content,
		Status:  MessageStatusPending,
	})
	m.mu.Unlock()

	var resp sendMessageResponse
	path := fmt.Sprintf("/api/v1/chat/conversations/%d/messages", conversationID)
	err = m.doJSON(ctx, http.MethodPost, path, map[string]any{"content": content}, &resp)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.removePendingLocked(localID)
		return nil, err
	}

	for i := range m.messages {
		if m.messages[i].LocalID == localID {
			m.messages[i].Status = MessageStatusConfirmed
			break
		}
	}
	assistant := Message{
		ID:      resp.MessageID,
		Role:    RoleAssistant,
		Content: resp.Content,
		Status:  MessageStatusConfirmed,
	}
	m.messages = append(m.messages, assistant)
	if m.conversation != nil {
		m.conversation.TotalTokens += resp.TokensUsed
	}

	return &SendResult{
		AssistantMessage: assistant,
		TokensUsed:       resp.TokensUsed,
		IsCached:         resp.IsCached,
		MessageCount:     resp.MessageCount,
		ApproachingLimit: resp.ApproachingLimit,
	}, nil
}

// Propose asks the server to derive a proposal from the discussion. On
// success the local state follows the server into proposal_ready.
func (m *Manager) Propose(ctx context.Context) (_ *Proposal, err error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.finish(&err)

	m.mu.Lock()
	if m.conversation == nil {
		m.mu.Unlock()
		return nil, ErrNoConversation
	}
	conversationID := m.conversation.ID
	m.mu.Unlock()

	var proposal Proposal
	path := fmt.Sprintf("/api/v1/chat/conversations/%d/propose", conversationID)
	if err := m.doJSON(ctx, http.MethodPost, path, nil, &proposal); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.proposal = &proposal
	if m.conversation != nil {
		m.conversation.State = StateProposalReady
		m.conversation.TotalTokens += proposal.TokensUsed
	}
	m.mu.Unlock()

	return &proposal, nil
}

// Validate applies the pending proposal. The conversation becomes
// terminal; a later Start opens a fresh one.
func (m *Manager) Validate(ctx context.Context) (_ *ValidationOutcome, err error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.finish(&err)

	m.mu.Lock()
	if m.conversation == nil {
		m.mu.Unlock()
		return nil, ErrNoConversation
	}
	if m.conversation.State != StateProposalReady || m.proposal == nil {
		m.mu.Unlock()
		return nil, ErrNoProposal
	}
	conversationID := m.conversation.ID
	m.mu.Unlock()

	var outcome ValidationOutcome
	path := fmt.Sprintf("/api/v1/chat/conversations/%d/validate", conversationID)
	if err := m.doJSON(ctx, http.MethodPost, path, nil, &outcome); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.proposal = nil
	if m.conversation != nil {
		m.conversation.State = outcome.State
	}
	m.mu.Unlock()

	return &outcome, nil
}

// Reject discards the pending proposal on the server and mirrors the
// returned conversation, which is back to active with its history
// intact. The discussion can continue from there.
func (m *Manager) Reject(ctx context.Context) (_ *Conversation, err error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.finish(&err)

	m.mu.Lock()
	if m.conversation == nil {
		m.mu.Unlock()
		return nil, ErrNoConversation
	}
	if m.conversation.State != StateProposalReady || m.proposal == nil {
		m.mu.Unlock()
		return nil, ErrNoProposal
	}
	conversationID := m.conversation.ID
	m.mu.Unlock()

	var resp struct {
		Conversation *Conversation `json:"conversation"`
	}
	path := fmt.Sprintf("/api/v1/chat/conversations/%d/reject", conversationID)
	if err := m.doJSON(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Conversation == nil {
		return nil, fmt.Errorf("adjust: malformed reject response")
	}

	m.mu.Lock()
	m.conversation = resp.Conversation
	m.proposal = nil
	m.mu.Unlock()

	return resp.Conversation, nil
}

// Reset drops the local mirror and cancels any in-flight request. It
// does not touch the server; the open conversation stays resumable via
// Start.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.lifeCancel()
	m.lifeCtx, m.lifeCancel = context.WithCancel(context.Background())
	m.conversation = nil
	m.messages = nil
	m.proposal = nil
	m.lastErr = nil
	m.mu.Unlock()
}

// Close cancels any in-flight request and leaves the manager unusable.
func (m *Manager) Close() {
	m.mu.Lock()
	m.lifeCancel()
	m.mu.Unlock()
}

// Conversation returns a copy of the bound conversation, or nil.
func (m *Manager) Conversation() *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conversation == nil {
		return nil
	}
	copied := *m.conversation
	return &copied
}

// Messages returns a snapshot of the visible history, pending user
// messages included.
func (m *Manager) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// PendingProposal returns the proposal awaiting a decision, or nil.
func (m *Manager) PendingProposal() *Proposal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proposal == nil {
		return nil
	}
	copied := *m.proposal
	return &copied
}

// State reports the mirrored conversation state, StateNone when unbound.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conversation == nil {
		return StateNone
	}
	return m.conversation.State
}

func (m *Manager) acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return ErrBusy
	}
	m.busy = true
	return nil
}

// finish releases the busy slot and records the operation's outcome.
func (m *Manager) finish(errp *error) {
	m.mu.Lock()
	m.busy = false
	m.lastErr = *errp
	m.mu.Unlock()
}

// LastError reports how the most recent operation ended, nil after a
// success. ErrBusy rejections do not overwrite it.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) removePendingLocked(localID int64) {
	for i := range m.messages {
		if m.messages[i].LocalID == localID {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			return
		}
	}
}

// doJSON runs one request tied to both the caller's context and the
// manager's lifetime, so Reset aborts it mid-flight.
func (m *Manager) doJSON(ctx context.Context, method, path string, body any, out any) error {
	m.mu.Lock()
	lifeCtx := m.lifeCtx
	m.mu.Unlock()

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(lifeCtx, cancel)
	defer stop()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("adjust: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, m.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("adjust: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("adjust: decode response: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(raw) > 0 {
		var body struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &body) == nil && body.Detail != "" {
			apiErr.Detail = body.Detail
		}
	}
	return apiErr
}

func confirmedMessages(in []serverMessage) []Message {
	out := make([]Message, 0, len(in))
	for _, msg := range in {
		out = append(out, Message{
			ID:      msg.ID,
			Role:    msg.Role,
			Content: msg.Content,
			Status:  MessageStatusConfirmed,
		})
	}
	return out
}
