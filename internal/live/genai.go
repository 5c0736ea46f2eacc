package live

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"github.com/tutor-voice-lab/internal/codec"
	"github.com/tutor-voice-lab/internal/logging"
)

// GenaiDialer opens Live sessions through the Gemini API client library.
type GenaiDialer struct{}

func (GenaiDialer) Dial(ctx context.Context, s Setup) (Channel, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create client: %v", ErrChannel, err)
	}

	cfg := &genai.LiveConnectConfig{
		ResponseModalities:      []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if !s.InputOnly {
		cfg.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if s.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(s.SystemInstruction, genai.RoleUser)
	}
	if s.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.Voice},
			},
		}
	}

	sess, err := client.Live.Connect(ctx, s.Model, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ErrChannel, err)
	}
	logging.Infow("live: genai session opened", "model", s.Model, "voice", s.Voice)
	return &genaiChannel{sess: sess, onMalformed: s.OnMalformed}, nil
}

type genaiChannel struct {
	sess        *genai.Session
	onMalformed func()

	closeOnce sync.Once
	closeErr  error
}

func (c *genaiChannel) SendAudio(_ context.Context, chunk codec.Chunk) error {
	err := c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: chunk.MIMEType(), Data: chunk.Data},
	})
	return classify(err)
}

func (c *genaiChannel) Receive(ctx context.Context) (*Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := c.sess.Receive()
		if err != nil {
			err = classify(err)
			if dropMalformed(err, c.onMalformed) {
				continue
			}
			return nil, err
		}
		out := fromGenai(msg)
		if msg.GoAway != nil {
			logging.Warnw("live: server going away", "time_left", msg.GoAway.TimeLeft)
		}
		if out.Empty() {
			continue
		}
		return out, nil
	}
}

func (c *genaiChannel) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.sess.Close() })
	return c.closeErr
}

func fromGenai(msg *genai.LiveServerMessage) *Message {
	out := &Message{}
	sc := msg.ServerContent
	if sc == nil {
		return out
	}
	if sc.InputTranscription != nil {
		out.InputText = strPtr(sc.InputTranscription.Text)
	}
	if sc.OutputTranscription != nil {
		out.OutputText = strPtr(sc.OutputTranscription.Text)
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			out.Audio = append(out.Audio, InlineAudio{MIMEType: part.InlineData.MIMEType, Data: part.InlineData.Data})
		}
	}
	out.TurnComplete = sc.TurnComplete
	out.Interrupted = sc.Interrupted
	return out
}
