package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	listenv1 "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	listenv1interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// ErrNoTranscript indicates a response with no usable alternatives,
// typically a clip that is silent or too short.
var ErrNoTranscript = errors.New("no transcript in response")

type fromFileFunc func(ctx context.Context, filePath string, options *interfaces.PreRecordedTranscriptionOptions) (*listenv1interfaces.PreRecordedResponse, error)

// Deepgram transcribes finished recordings through the prerecorded
// REST endpoint. Clips are sent whole once a session ends.
type Deepgram struct {
	options  *interfaces.PreRecordedTranscriptionOptions
	fromFile fromFileFunc
}

func NewDeepgram(apiKey string) *Deepgram {
	c := client.NewREST(apiKey, &interfaces.ClientOptions{})
	api := listenv1.New(c)

	return &Deepgram{
		options: &interfaces.PreRecordedTranscriptionOptions{
			Model:       "nova-2",
			Language:    "en-US",
			Punctuate:   true,
			SmartFormat: true,
			Diarize:     true,
		},
		fromFile: api.FromFile,
	}
}

// TranscribeFile sends a recording file and returns the transcript of
// the first channel's best alternative.
func (d *Deepgram) TranscribeFile(ctx context.Context, path string) (string, error) {
	res, err := d.fromFile(ctx, path, d.options)
	if err != nil {
		return "", fmt.Errorf("deepgram transcription: %w", err)
	}

	if res == nil || len(res.Results.Channels) == 0 || len(res.Results.Channels[0].Alternatives) == 0 {
		return "", ErrNoTranscript
	}

	transcript := strings.TrimSpace(res.Results.Channels[0].Alternatives[0].Transcript)
	if transcript == "" {
		return "", ErrNoTranscript
	}
	return transcript, nil
}
