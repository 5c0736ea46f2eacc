package live

import (
	"encoding/base64"
	"strings"

	"github.com/tutor-voice-lab/internal/logging"
)

// Wire shapes of the Live JSON protocol, as spoken over a raw websocket.

type clientSetup struct {
	Setup setupBody `json:"setup"`
}

type setupBody struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *contentJSON     `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoice `json:"prebuiltVoiceConfig"`
}

type prebuiltVoice struct {
	VoiceName string `json:"voiceName"`
}

type contentJSON struct {
	Role  string     `json:"role,omitempty"`
	Parts []partJSON `json:"parts"`
}

type partJSON struct {
	Text       string    `json:"text,omitempty"`
	InlineData *blobJSON `json:"inlineData,omitempty"`
}

type blobJSON struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type clientRealtimeInput struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []blobJSON `json:"mediaChunks"`
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	GoAway        *goAway        `json:"goAway,omitempty"`
}

type serverContent struct {
	ModelTurn           *contentJSON       `json:"modelTurn,omitempty"`
	TurnComplete        bool               `json:"turnComplete,omitempty"`
	Interrupted         bool               `json:"interrupted,omitempty"`
	InputTranscription  *transcriptionJSON `json:"inputTranscription,omitempty"`
	OutputTranscription *transcriptionJSON `json:"outputTranscription,omitempty"`
}

type transcriptionJSON struct {
	Text string `json:"text"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

func newSetup(s Setup) clientSetup {
	model := s.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	body := setupBody{
		Model:                   model,
		GenerationConfig:        generationConfig{ResponseModalities: []string{"AUDIO"}},
		InputAudioTranscription: &struct{}{},
	}
	if !s.InputOnly {
		body.OutputAudioTranscription = &struct{}{}
	}
	if s.Voice != "" {
		body.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoice{VoiceName: s.Voice}},
		}
	}
	if s.SystemInstruction != "" {
		body.SystemInstruction = &contentJSON{Parts: []partJSON{{Text: s.SystemInstruction}}}
	}
	return clientSetup{Setup: body}
}

// toMessage converts server content. Inline parts whose base64 cannot be
// decoded are dropped; the rest of the message still applies.
func (sc *serverContent) toMessage() *Message {
	out := &Message{TurnComplete: sc.TurnComplete, Interrupted: sc.Interrupted}
	if sc.InputTranscription != nil {
		out.InputText = strPtr(sc.InputTranscription.Text)
	}
	if sc.OutputTranscription != nil {
		out.OutputText = strPtr(sc.OutputTranscription.Text)
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				logging.Warnw("live: dropping undecodable audio part", "mime", part.InlineData.MIMEType, "error", err)
				continue
			}
			out.Audio = append(out.Audio, InlineAudio{MIMEType: part.InlineData.MIMEType, Data: data})
		}
	}
	return out
}
