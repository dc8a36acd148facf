package summary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// A recording shorter than this is not worth a model call.
const minTranscriptWords = 20

const maxAttempts = 3

type IdempotencyStore interface {
	ClaimSummaryRequest(meetingID, promptHash string) (bool, error)
}

// Request is everything the summarizer uses from one finished meeting.
// Title and note shape the prompt, so changing either re-opens the
// idempotency claim while an unchanged meeting stays claimed.
type Request struct {
	MeetingID  string
	Title      string
	Note       string
	Transcript string
}

// OpenAI turns a finished meeting into a markdown summary. It runs once
// per meeting after the recording lands, not incrementally.
type OpenAI struct {
	client *openai.Client
	model  string
	store  IdempotencyStore
	sleep  func(time.Duration)
}

func NewOpenAI(apiKey, model string, store IdempotencyStore) *OpenAI {
	config := openai.DefaultConfig(apiKey)
	return NewOpenAIWithConfig(config, model, store)
}

func NewOpenAIWithConfig(config openai.ClientConfig, model string, store IdempotencyStore) *OpenAI {
	if strings.TrimSpace(model) == "" {
		model = "gpt-4o-mini"
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(config),
		model:  model,
		store:  store,
		sleep:  time.Sleep,
	}
}

// Summarize returns an empty string without error when the transcript is
// too short to summarize or when an identical request was already claimed.
func (s *OpenAI) Summarize(ctx context.Context, req Request) (string, error) {
	transcript := strings.TrimSpace(req.Transcript)
	if len(strings.Fields(transcript)) < minTranscriptWords {
		return "", nil
	}

	if s.store != nil {
		claimed, err := s.store.ClaimSummaryRequest(req.MeetingID, promptHash(req))
		if err != nil {
			return "", fmt.Errorf("claim summary request: %w", err)
		}
		if !claimed {
			return "", nil
		}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0.2,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: "You summarize recorded meetings in concise markdown. " +
					"Cover the key topics, decisions made, and action items with owners if any. " +
					"If the attendee left a note, weave its context into the summary.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: userPrompt(req, transcript),
			},
		},
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			s.sleep(backoff(attempt))
			if err := ctx.Err(); err != nil {
				return "", err
			}
		}

		resp, err := s.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			lastErr = err
			continue
		}
		if len(resp.Choices) == 0 {
			return "", nil
		}
		return strings.TrimSpace(resp.Choices[0].Message.Content), nil
	}

	return "", fmt.Errorf("summarize meeting %s: %w", req.MeetingID, lastErr)
}

func userPrompt(req Request, transcript string) string {
	var b strings.Builder
	if title := strings.TrimSpace(req.Title); title != "" {
		fmt.Fprintf(&b, "Meeting: %s\n\n", title)
	}
	if note := strings.TrimSpace(req.Note); note != "" {
		fmt.Fprintf(&b, "Attendee note:\n%s\n\n", note)
	}
	b.WriteString("Transcript:\n")
	b.WriteString(transcript)
	return b.String()
}

// promptHash fingerprints the full prompt inputs. Separators keep
// adjacent fields from colliding.
func promptHash(req Request) string {
	h := sha256.New()
	h.Write([]byte(req.Title))
	h.Write([]byte{0})
	h.Write([]byte(req.Note))
	h.Write([]byte{0})
	h.Write([]byte(req.Transcript))
	return hex.EncodeToString(h.Sum(nil))
}

// backoff yields 1s, 4s, 16s for attempts 1, 2, 3.
func backoff(attempt int) time.Duration {
	return time.Duration(1<<(2*(attempt-1))) * time.Second
}
