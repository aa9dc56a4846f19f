package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ElliotCay/suivi-run-sub002/internal/models"
)

// Coach wraps the Anthropic API for the two conversation endpoints: a
// free-form coaching reply and a structured adjustment proposal.
type Coach struct {
	api   *anthropic.Client
	model anthropic.Model
}

func NewCoach(apiKey, model string) *Coach {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Coach{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// Reply is one assistant turn plus the token accounting reported for it.
type Reply struct {
	Content             string
	TokensUsed          int
	CacheCreationTokens int
	CacheReadTokens     int
	Cached              bool
}

// DraftAdjustment is one adjustment as extracted from the model, before
// the service joins it against the real workout rows.
type DraftAdjustment struct {
	WorkoutID int64                   `json:"workout_id"`
	Action    string                  `json:"action"`
	Proposed  *models.WorkoutSnapshot `json:"proposed,omitempty"`
	Reasoning string                  `json:"reasoning"`
}

// ProposalDraft is the model's structured output for a propose call.
type ProposalDraft struct {
	Analysis    string            `json:"analysis"`
	Adjustments []DraftAdjustment `json:"adjustments"`
	TokensUsed  int               `json:"-"`
}

const replySystemPrompt = `You are an experienced running coach discussing adjustments to a runner's training plan.
The plan context (block, scope window, scheduled sessions) is provided as JSON before the conversation.

Rules:
- Discuss volume, intensity, scheduling and recovery concretely, referring to sessions by date and type
- Never invent sessions that are not in the provided plan
- Do not output JSON or structured data; this is a conversational turn
- Answer in the language the runner writes in`

const proposeSystemPrompt = `You convert a coaching conversation about a runner's training plan into structured workout adjustments.
The plan context (block, scope window, scheduled sessions with their ids) is provided as JSON, followed by the full conversation.

Return ONLY a JSON object with these fields:
- "analysis": a short summary of what the runner asked for and the overall direction of the changes
- "adjustments": an array of objects, each with:
  - "workout_id": the id of the targeted session, taken from the provided plan
  - "action": one of "modify", "delete", "reschedule"
  - "proposed": for modify and reschedule, an object {"date", "type", "distance_km", "pace_target", "structure": {"warmup", "main", "cooldown"}}; omit for delete
  - "reasoning": one or two sentences explaining the change

Rules:
- Only reference workout ids present in the provided plan
- Dates are ISO-8601 (YYYY-MM-DD) and must stay inside the provided scope window
- For "reschedule" only the date may differ from the current session
- An empty "adjustments" array is valid when the conversation requires no change
- Return valid JSON only, no markdown fencing or explanation`

type planContext struct {
	BlockName  string           `json:"block_name"`
	Goal       string           `json:"goal,omitempty"`
	ScopeMode  string           `json:"scope_mode"`
	ScopeStart string           `json:"scope_start"`
	ScopeEnd   string           `json:"scope_end"`
	Workouts   []workoutContext `json:"workouts"`
}

type workoutContext struct {
	ID         int64            `json:"id"`
	Date       string           `json:"date"`
	Type       string           `json:"type"`
	DistanceKm float64          `json:"distance_km"`
	PaceTarget string           `json:"pace_target,omitempty"`
	Structure  workoutStructure `json:"structure"`
}

type workoutStructure struct {
	Warmup   string `json:"warmup"`
	Main     string `json:"main"`
	Cooldown string `json:"cooldown"`
}

func buildPlanContext(
	block *models.TrainingBlock,
	conversation *models.AdjustmentConversation,
	workouts []models.Workout,
) string {
	payload := planContext{
		BlockName:  block.Name,
		ScopeMode:  conversation.ScopeMode,
		ScopeStart: conversation.ScopeStart.Format(time.DateOnly),
		ScopeEnd:   conversation.ScopeEnd.Format(time.DateOnly),
		Workouts:   make([]workoutContext, 0, len(workouts)),
	}
	if block.Goal != nil {
		payload.Goal = *block.Goal
	}
	for _, workout := range workouts {
		entry := workoutContext{
			ID:         workout.ID,
			Date:       workout.ScheduledOn.Format(time.DateOnly),
			Type:       workout.WorkoutType,
			DistanceKm: workout.DistanceKm,
			Structure: workoutStructure{
				Warmup:   workout.Structure.Warmup,
				Main:     workout.Structure.Main,
				Cooldown: workout.Structure.Cooldown,
			},
		}
		if workout.PaceTarget != nil {
			entry.PaceTarget = *workout.PaceTarget
		}
		payload.Workouts = append(payload.Workouts, entry)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

func buildHistory(
	planJSON string,
	history []models.ConversationMessage,
	newContent string,
) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(history)+2)
	params = append(params, anthropic.NewUserMessage(
		anthropic.NewTextBlock("Training plan context:\n"+planJSON),
	))
	for _, message := range history {
		block := anthropic.NewTextBlock(message.Content)
		if message.Role == models.MessageRoleAssistant {
			params = append(params, anthropic.NewAssistantMessage(block))
		} else {
			params = append(params, anthropic.NewUserMessage(block))
		}
	}
	if newContent != "" {
		params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(newContent)))
	}
	return params
}

// Reply runs one conversational turn against the model.
func (c *Coach) Reply(
	ctx context.Context,
	block *models.TrainingBlock,
	conversation *models.AdjustmentConversation,
	workouts []models.Workout,
	history []models.ConversationMessage,
	content string,
) (*Reply, error) {
	planJSON := buildPlanContext(block, conversation, workouts)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: replySystemPrompt},
		},
		Messages: buildHistory(planJSON, history, content),
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	text := extractText(msg)
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	return &Reply{
		Content:             text,
		TokensUsed:          int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		CacheCreationTokens: int(msg.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(msg.Usage.CacheReadInputTokens),
		Cached:              msg.Usage.CacheReadInputTokens > 0,
	}, nil
}

// Propose derives a structured adjustment proposal from the full message
// history. The caller is responsible for joining workout ids back against
// the real plan rows.
func (c *Coach) Propose(
	ctx context.Context,
	block *models.TrainingBlock,
	conversation *models.AdjustmentConversation,
	workouts []models.Workout,
	history []models.ConversationMessage,
) (*ProposalDraft, error) {
	planJSON := buildPlanContext(block, conversation, workouts)

	messages := buildHistory(planJSON, history, "")
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(
		"Produce the adjustment proposal for this conversation now.",
	)))

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: proposeSystemPrompt},
		},
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	text := extractText(msg)
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	draft, err := parseProposalDraft(text)
	if err != nil {
		return nil, err
	}
	draft.TokensUsed = int(msg.Usage.InputTokens + msg.Usage.OutputTokens)
	return draft, nil
}

func extractText(msg *anthropic.Message) string {
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}

func parseProposalDraft(text string) (*ProposalDraft, error) {
	text = stripFencing(text)

	var draft ProposalDraft
	if err := json.Unmarshal([]byte(text), &draft); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	if draft.Adjustments == nil {
		draft.Adjustments = make([]DraftAdjustment, 0)
	}
	return &draft, nil
}

// stripFencing removes a markdown code fence the model sometimes wraps
// around its JSON despite instructions.
func stripFencing(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) > 1 {
		text = lines[1]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
