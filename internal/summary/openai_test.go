package summary

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// claimRecorder accepts every claim and remembers the hashes it saw.
type claimRecorder struct {
	hashes []string
	reject bool
}

func (c *claimRecorder) ClaimSummaryRequest(_, promptHash string) (bool, error) {
	c.hashes = append(c.hashes, promptHash)
	return !c.reject, nil
}

func longTranscript(word string) string {
	return strings.TrimSpace(strings.Repeat(word+" ", 40))
}

func completionServer(t *testing.T, content string, capture *openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				t.Errorf("read request body: %v", err)
			}
			if err := json.Unmarshal(body, capture); err != nil {
				t.Errorf("decode request body: %v", err)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
}

func newSummarizer(baseURL string, store IdempotencyStore) *OpenAI {
	config := openai.DefaultConfig("test-key")
	config.BaseURL = baseURL + "/v1"
	s := NewOpenAIWithConfig(config, "gpt-4o-mini", store)
	s.sleep = func(time.Duration) {}
	return s
}

func TestSummarizePromptCarriesMeetingContext(t *testing.T) {
	var got openai.ChatCompletionRequest
	server := completionServer(t, "## Summary\n- Shipped the rollout plan", &got)
	defer server.Close()

	s := newSummarizer(server.URL, &claimRecorder{})
	text, err := s.Summarize(context.Background(), Request{
		MeetingID:  "mtg-1",
		Title:      "Q3 rollout sync",
		Note:       "focus on the staging blockers",
		Transcript: longTranscript("alpha"),
	})
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if !strings.Contains(text, "## Summary") {
		t.Fatalf("unexpected summary: %q", text)
	}

	if len(got.Messages) != 2 {
		t.Fatalf("expected system+user messages, got %d", len(got.Messages))
	}
	user := got.Messages[1].Content
	if !strings.Contains(user, "Meeting: Q3 rollout sync") {
		t.Errorf("user prompt missing meeting title: %q", user)
	}
	if !strings.Contains(user, "Attendee note:\nfocus on the staging blockers") {
		t.Errorf("user prompt missing attendee note: %q", user)
	}
	if !strings.Contains(user, "Transcript:\nalpha") {
		t.Errorf("user prompt missing transcript: %q", user)
	}
}

func TestSummarizeOmitsEmptySections(t *testing.T) {
	var got openai.ChatCompletionRequest
	server := completionServer(t, "ok", &got)
	defer server.Close()

	s := newSummarizer(server.URL, nil)
	if _, err := s.Summarize(context.Background(), Request{
		MeetingID:  "mtg-2",
		Transcript: longTranscript("beta"),
	}); err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}

	user := got.Messages[1].Content
	if strings.Contains(user, "Meeting:") || strings.Contains(user, "Attendee note:") {
		t.Errorf("untitled meeting without a note should send only the transcript, got %q", user)
	}
}

func TestSummarizeClaimTracksNoteChanges(t *testing.T) {
	server := completionServer(t, "ok", nil)
	defer server.Close()

	store := &claimRecorder{}
	s := newSummarizer(server.URL, store)

	base := Request{MeetingID: "mtg-3", Title: "retro", Transcript: longTranscript("gamma")}

	if _, err := s.Summarize(context.Background(), base); err != nil {
		t.Fatalf("first Summarize failed: %v", err)
	}
	if _, err := s.Summarize(context.Background(), base); err != nil {
		t.Fatalf("repeat Summarize failed: %v", err)
	}

	edited := base
	edited.Note = "revisit the oncall load"
	if _, err := s.Summarize(context.Background(), edited); err != nil {
		t.Fatalf("edited Summarize failed: %v", err)
	}

	if len(store.hashes) != 3 {
		t.Fatalf("expected 3 claims, got %d", len(store.hashes))
	}
	if store.hashes[0] != store.hashes[1] {
		t.Error("identical requests must claim the same hash")
	}
	if store.hashes[2] == store.hashes[0] {
		t.Error("an edited note must produce a new claim hash")
	}
}

func TestSummarizeSkipsWhenAlreadyClaimed(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}}})
	}))
	defer server.Close()

	s := newSummarizer(server.URL, &claimRecorder{reject: true})
	text, err := s.Summarize(context.Background(), Request{MeetingID: "mtg-4", Transcript: longTranscript("delta")})
	if err != nil {
		t.Fatalf("Summarize returned error: %v", err)
	}
	if text != "" {
		t.Fatalf("claimed request should yield empty summary, got %q", text)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected zero API calls for a claimed request, got %d", calls.Load())
	}
}

func TestSummarizeSkipsShortRecording(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s := newSummarizer(server.URL, nil)
	text, err := s.Summarize(context.Background(), Request{MeetingID: "mtg-5", Transcript: "quick hallway chat"})
	if err != nil {
		t.Fatalf("Summarize returned error: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty summary, got %q", text)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected zero API calls, got %d", calls.Load())
	}
}

func TestSummarizeRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "rate limit"}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []map[string]any{{"message": map[string]any{"content": "recovered"}}}})
	}))
	defer server.Close()

	var waits []time.Duration
	s := newSummarizer(server.URL, &claimRecorder{})
	s.sleep = func(d time.Duration) { waits = append(waits, d) }

	text, err := s.Summarize(context.Background(), Request{MeetingID: "mtg-6", Transcript: longTranscript("epsilon")})
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if text != "recovered" {
		t.Fatalf("summary = %q", text)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 4*time.Second {
		t.Fatalf("backoff waits = %v", waits)
	}
}

func TestSummarizeStopsWhenContextCanceled(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "rate limit"}})
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s := newSummarizer(server.URL, &claimRecorder{})
	s.sleep = func(time.Duration) { cancel() }

	_, err := s.Summarize(ctx, Request{MeetingID: "mtg-7", Transcript: longTranscript("zeta")})
	if err != context.Canceled {
		t.Fatalf("Summarize error = %v, want context.Canceled", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retries after cancellation, got %d calls", calls.Load())
	}
}
