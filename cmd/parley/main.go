package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"
	"google.golang.org/api/option"

	"github.com/parley-app/parley/internal/auth"
	"github.com/parley-app/parley/internal/bridge"
	"github.com/parley-app/parley/internal/browser"
	"github.com/parley-app/parley/internal/calendar"
	"github.com/parley-app/parley/internal/capture"
	"github.com/parley-app/parley/internal/config"
	"github.com/parley-app/parley/internal/recordserver"
	"github.com/parley-app/parley/internal/session"
	"github.com/parley-app/parley/internal/storage"
	"github.com/parley-app/parley/internal/summary"
	"github.com/parley-app/parley/internal/transcribe"
)

// app wires the bridge actions to the session orchestrator, the meeting
// store, and the post-session pipeline.
type app struct {
	cfg         config.Config
	store       *storage.SQLiteStore
	orch        *session.Orchestrator
	flow        *auth.Flow
	transcriber *transcribe.Deepgram
	summarizer  *summary.OpenAI

	mu        sync.Mutex
	activeID  string
	lastID    string
	lastPath  string
	lastError string
	wg        sync.WaitGroup
}

func main() {
	configPath := flag.String("config", "parley.yaml", "path to the YAML config file")
	captureURL := flag.String("capture-url", "", "run as a headless capture client against this ws:// URL")
	flag.Parse()

	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("parley: shutting down")
		cancel()
	}()

	if *captureURL != "" {
		if err := runCapture(ctx, cfg, *captureURL); err != nil {
			log.Fatalf("capture client failed: %v", err)
		}
		return
	}

	log.Println("parley: starting")

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	server := recordserver.New(recordserver.Options{
		PortMin:       cfg.PortMin,
		PortMax:       cfg.PortMax,
		RecordingsDir: cfg.RecordingsDir,
		FileExt:       cfg.RecordingExt,
	})

	a := &app{
		cfg:   cfg,
		store: store,
		orch:  session.New(server, browser.Open, cfg.ParsedConnectTimeout()),
		flow:  auth.NewFlow(cfg.GoogleClientID, cfg.GoogleClientSecret, store, browser.Open),
	}
	if cfg.DeepgramAPIKey != "" {
		a.transcriber = transcribe.NewDeepgram(cfg.DeepgramAPIKey)
	}
	if cfg.OpenAIAPIKey != "" {
		a.summarizer = summary.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, store)
	}

	b := bridge.New(cfg.BridgeSocket)
	b.Handle(bridge.ActionStartSession, a.handleStartSession)
	b.Handle(bridge.ActionStopSession, a.handleStopSession)
	b.Handle(bridge.ActionLogin, a.handleLogin)
	b.Handle(bridge.ActionListEvents, a.handleListEvents)
	b.Handle(bridge.ActionListMeetings, a.handleListMeetings)
	b.Handle(bridge.ActionSaveNote, a.handleSaveNote)
	b.Handle(bridge.ActionStatus, a.handleStatus)

	if err := b.Start(ctx); err != nil {
		log.Fatalf("bridge start failed: %v", err)
	}

	<-ctx.Done()

	if err := b.Stop(); err != nil {
		log.Printf("warning: bridge stop failed: %v", err)
	}
	a.orch.StopServer()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Println("warning: session workers did not finish before shutdown deadline")
	}
}

// runCapture drives the headless capture engine in place of a browser,
// for environments without one.
func runCapture(ctx context.Context, cfg config.Config, wsURL string) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	defer func() { _ = portaudio.Terminate() }()

	engine := capture.NewEngine(capture.Options{SampleRate: cfg.CaptureSampleRate})
	log.Printf("parley: headless capture client connecting to %s", wsURL)
	return engine.Run(ctx, wsURL)
}

func (a *app) handleStartSession(ctx context.Context, cmd bridge.Command) (any, error) {
	var args struct {
		Title string `json:"title"`
	}
	if len(cmd.Args) > 0 {
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.activeID != "" {
		return nil, session.ErrSessionActive
	}

	meetingID := fmt.Sprintf("mtg-%d", time.Now().UnixMilli())
	if err := a.store.CreateMeeting(meetingID, args.Title, time.Now()); err != nil {
		return nil, err
	}
	a.activeID = meetingID

	a.wg.Add(1)
	go a.runSession(ctx, meetingID)

	return map[string]string{"meetingId": meetingID}, nil
}

// runSession owns one recording from start command to post-processing.
// It blocks for the whole recording, so it runs on its own goroutine.
// The outcome is persisted on the meeting row and mirrored in the app's
// last-result fields, so the shell can read it through listMeetings or
// status after the asynchronous start.
func (a *app) runSession(ctx context.Context, meetingID string) {
	defer a.wg.Done()

	path, err := a.orch.Start(ctx)
	ended := time.Now()

	failure := ""
	if err != nil {
		failure = err.Error()
		log.Printf("session %s failed: %v", meetingID, err)
	}

	a.mu.Lock()
	a.activeID = ""
	a.lastID = meetingID
	a.lastPath = path
	a.lastError = failure
	a.mu.Unlock()

	if err := a.store.FinishMeeting(meetingID, ended, path, failure); err != nil {
		log.Printf("warning: finish meeting %s: %v", meetingID, err)
	}

	if failure == "" {
		a.postProcess(ctx, meetingID, path)
	}
}

// postProcess transcribes and summarizes a finished recording. Both steps
// are best effort: failures are logged and the audio file remains.
func (a *app) postProcess(ctx context.Context, meetingID, path string) {
	if a.transcriber == nil {
		return
	}

	transcript, err := a.transcriber.TranscribeFile(ctx, path)
	if err != nil {
		if errors.Is(err, transcribe.ErrNoTranscript) {
			log.Printf("meeting %s: recording had no speech", meetingID)
		} else {
			log.Printf("warning: transcribe meeting %s: %v", meetingID, err)
		}
		return
	}
	if err := a.store.UpdateTranscript(meetingID, transcript); err != nil {
		log.Printf("warning: save transcript for %s: %v", meetingID, err)
		return
	}

	if a.summarizer == nil {
		return
	}

	meeting, err := a.store.GetMeeting(meetingID)
	if err != nil {
		log.Printf("warning: load meeting %s for summary: %v", meetingID, err)
		return
	}

	if err := a.store.UpdateSummary(meetingID, "", storage.SummaryRunning); err != nil {
		log.Printf("warning: mark summary running for %s: %v", meetingID, err)
	}
	text, err := a.summarizer.Summarize(ctx, summary.Request{
		MeetingID:  meetingID,
		Title:      meeting.Title,
		Note:       meeting.Note,
		Transcript: transcript,
	})
	if err != nil {
		log.Printf("warning: summarize meeting %s: %v", meetingID, err)
		if err := a.store.UpdateSummary(meetingID, "", storage.SummaryFailed); err != nil {
			log.Printf("warning: mark summary failed for %s: %v", meetingID, err)
		}
		return
	}
	if err := a.store.UpdateSummary(meetingID, text, storage.SummaryCompleted); err != nil {
		log.Printf("warning: save summary for %s: %v", meetingID, err)
	}
}

func (a *app) handleStopSession(_ context.Context, _ bridge.Command) (any, error) {
	if err := a.orch.Stop(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *app) handleLogin(ctx context.Context, _ bridge.Command) (any, error) {
	if err := a.flow.Login(ctx); err != nil {
		return nil, err
	}
	return map[string]bool{"loggedIn": true}, nil
}

func (a *app) handleListEvents(ctx context.Context, cmd bridge.Command) (any, error) {
	var args struct {
		WindowHours int   `json:"windowHours"`
		Max         int64 `json:"max"`
	}
	if len(cmd.Args) > 0 {
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
	}

	source, err := a.flow.TokenSource(ctx)
	if err != nil {
		return nil, err
	}

	svc, err := calendar.NewService(ctx, a.cfg.CalendarID, option.WithTokenSource(source))
	if err != nil {
		return nil, err
	}

	events, err := svc.UpcomingEvents(ctx, time.Duration(args.WindowHours)*time.Hour, args.Max)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events}, nil
}

func (a *app) handleListMeetings(_ context.Context, cmd bridge.Command) (any, error) {
	var args struct {
		Limit int `json:"limit"`
	}
	if len(cmd.Args) > 0 {
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
	}

	meetings, err := a.store.ListMeetings(args.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"meetings": meetings}, nil
}

func (a *app) handleSaveNote(_ context.Context, cmd bridge.Command) (any, error) {
	var args struct {
		MeetingID string `json:"meetingId"`
		Note      string `json:"note"`
	}
	if err := json.Unmarshal(cmd.Args, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if args.MeetingID == "" {
		return nil, errors.New("meetingId is required")
	}

	if err := a.store.SaveNote(args.MeetingID, args.Note); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *app) handleStatus(_ context.Context, _ bridge.Command) (any, error) {
	a.mu.Lock()
	activeID := a.activeID
	lastID, lastPath, lastError := a.lastID, a.lastPath, a.lastError
	a.mu.Unlock()

	status := map[string]any{
		"phase":           string(a.orch.Phase()),
		"activeMeetingId": activeID,
		"loggedIn":        a.flow.LoggedIn(),
	}
	if lastID != "" {
		status["lastResult"] = map[string]any{
			"meetingId": lastID,
			"success":   lastError == "",
			"filePath":  lastPath,
			"error":     lastError,
		}
	}
	return status, nil
}
