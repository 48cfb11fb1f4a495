package voice

import (
	"context"
	"errors"

	"google.golang.org/genai"
)

const inputMIMEType = "audio/pcm;rate=16000"

// GeminiDialer opens Gemini Live sessions.
type GeminiDialer struct {
	client *genai.Client
	model  string
}

// NewGeminiDialer creates a dialer for model.
func NewGeminiDialer(client *genai.Client, model string) *GeminiDialer {
	return &GeminiDialer{client: client, model: model}
}

// Dial connects with audio output and transcription in both directions.
func (d *GeminiDialer) Dial(ctx context.Context, cfg SessionConfig) (Upstream, error) {
	if d.client == nil {
		return nil, errors.New("gemini client not configured")
	}
	session, err := d.client.Live.Connect(ctx, d.model, &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.VoiceName},
			},
		},
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: cfg.SystemPrompt}}},
	})
	if err != nil {
		return nil, err
	}
	return &liveUpstream{session: session}, nil
}

type liveUpstream struct {
	session *genai.Session
}

func (u *liveUpstream) SendAudio(_ context.Context, pcm []byte) error {
	return u.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: inputMIMEType},
	})
}

func (u *liveUpstream) EndTurn(context.Context) error {
	return u.session.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true})
}

// Receive blocks on the session; closing it unblocks a pending call.
func (u *liveUpstream) Receive(context.Context) ([]Event, error) {
	msg, err := u.session.Receive()
	if err != nil {
		return nil, err
	}
	return eventsFromMessage(msg), nil
}

func (u *liveUpstream) Close() error {
	return u.session.Close()
}

func eventsFromMessage(msg *genai.LiveServerMessage) []Event {
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}
	var events []Event
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		events = append(events, Event{Kind: EventUserTranscript, Text: t.Text})
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		events = append(events, Event{Kind: EventBotTranscript, Text: t.Text})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				events = append(events, Event{Kind: EventAudio, Audio: part.InlineData.Data})
			}
		}
	}
	if sc.TurnComplete {
		events = append(events, Event{Kind: EventTurnComplete})
	}
	return events
}
