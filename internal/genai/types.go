package genai

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// clientMessage is the envelope for every message sent to the upstream.
// Exactly one field is set.
type clientMessage struct {
	Setup         *setupPayload  `json:"setup,omitempty"`
	RealtimeInput *realtimeInput `json:"realtimeInput,omitempty"`
	ClientContent *clientContent `json:"clientContent,omitempty"`
	ToolResponse  *toolResponse  `json:"toolResponse,omitempty"`
}

type setupPayload struct {
	Model                    string                    `json:"model"`
	GenerationConfig         *generationConfig         `json:"generationConfig,omitempty"`
	SystemInstruction        *Content                  `json:"systemInstruction,omitempty"`
	Tools                    []toolDecl                `json:"tools,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig      `json:"realtimeInputConfig,omitempty"`
	SessionResumption        *sessionResumption        `json:"sessionResumption,omitempty"`
	InputAudioTranscription  *transcriptionConfig      `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *transcriptionConfig      `json:"outputAudioTranscription,omitempty"`
	ContextWindowCompression *contextWindowCompression `json:"contextWindowCompression,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig *prebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

// toolDecl declares a tool available to the model. GoogleSearch is the
// built-in grounding tool; FunctionDeclarations are proxy-dispatched.
type toolDecl struct {
	GoogleSearch         *struct{}             `json:"googleSearch,omitempty"`
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration describes a callable function in the upstream schema.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection *automaticActivityDetection `json:"automaticActivityDetection,omitempty"`
}

type automaticActivityDetection struct {
	Disabled                 bool   `json:"disabled,omitempty"`
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs"`
}

type sessionResumption struct {
	Handle      string `json:"handle,omitempty"`
	Transparent bool   `json:"transparent,omitempty"`
}

type transcriptionConfig struct{}

type contextWindowCompression struct {
	TriggerTokens int            `json:"triggerTokens,omitempty"`
	SlidingWindow *slidingWindow `json:"slidingWindow,omitempty"`
}

type slidingWindow struct {
	TargetTokens int `json:"targetTokens,omitempty"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks,omitempty"`
	ActivityEnd *struct{}    `json:"activityEnd,omitempty"`
}

// mediaChunk carries already-base64-encoded media straight onto the wire.
type mediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type clientContent struct {
	Turns        []Content `json:"turns,omitempty"`
	TurnComplete bool      `json:"turnComplete"`
}

type toolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

// ServerMessage is the envelope for every message received from the upstream.
// At most one field is set.
type ServerMessage struct {
	SetupComplete           *struct{}                `json:"setupComplete,omitempty"`
	ServerContent           *ServerContent           `json:"serverContent,omitempty"`
	ToolCall                *ToolCall                `json:"toolCall,omitempty"`
	GoAway                  *GoAway                  `json:"goAway,omitempty"`
	SessionResumptionUpdate *SessionResumptionUpdate `json:"sessionResumptionUpdate,omitempty"`
}

// ServerContent carries one increment of the model's response.
type ServerContent struct {
	Interrupted         bool           `json:"interrupted,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	ModelTurn           *Content       `json:"modelTurn,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

// Content is a role-attributed list of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// Part is one unit of content: text or inline binary data.
type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Blob is inline binary data. Data round-trips as base64 on the wire.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// Transcription is an audio transcription increment.
type Transcription struct {
	Text     string `json:"text,omitempty"`
	Finished bool   `json:"finished,omitempty"`
}

// ToolCall asks the proxy to execute one or more functions.
type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

// FunctionCall is one requested invocation.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse is the result of one invocation, keyed back by ID.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// GoAway announces the upstream will terminate the stream shortly.
type GoAway struct {
	TimeLeft Duration `json:"timeLeft,omitempty"`
}

// SessionResumptionUpdate delivers a new resumption handle.
type SessionResumptionUpdate struct {
	NewHandle string `json:"newHandle,omitempty"`
	Resumable bool   `json:"resumable,omitempty"`
}

// Duration unmarshals the protobuf JSON duration form ("4.5s").
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		*d = 0
		return nil
	}
	if len(s) > 0 && s[len(s)-1] == 's' {
		secs, err := strconv.ParseFloat(s[:len(s)-1], 64)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration %q", s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", strconv.FormatFloat(time.Duration(d).Seconds(), 'f', -1, 64)+"s")), nil
}
