package genai

const (
	// Voice activity detection tuning. Low start sensitivity avoids
	// triggering on breaths; high end sensitivity cuts turns promptly.
	vadStartSensitivity = "START_SENSITIVITY_LOW"
	vadEndSensitivity   = "END_SENSITIVITY_HIGH"
	vadSilenceMs        = 1000
	vadPrefixPaddingMs  = 0

	// Context window compression keeps long sessions inside the model's
	// token budget.
	compressionTriggerTokens = 12800
	compressionTargetTokens  = 10240
)

// LiveConfig is the per-session configuration applied during setup.
type LiveConfig struct {
	// Voice selects the prebuilt voice for audio responses.
	Voice string

	// LanguageCode is the speech synthesis language.
	LanguageCode string

	// SystemInstruction is the rendered system prompt.
	SystemInstruction string

	// ResumptionHandle, when set, resumes a previous upstream session
	// transparently instead of starting fresh.
	ResumptionHandle string

	// FunctionDeclarations are proxy-dispatched tools offered to the model
	// alongside the built-in Google Search tool.
	FunctionDeclarations []FunctionDeclaration
}

// buildSetup assembles the setup payload for a session.
func buildSetup(model string, cfg LiveConfig) *setupPayload {
	setup := &setupPayload{
		Model: model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &speechConfig{
				VoiceConfig: &voiceConfig{
					PrebuiltVoiceConfig: &prebuiltVoiceConfig{VoiceName: cfg.Voice},
				},
				LanguageCode: cfg.LanguageCode,
			},
		},
		Tools: []toolDecl{{GoogleSearch: &struct{}{}}},
		RealtimeInputConfig: &realtimeInputConfig{
			AutomaticActivityDetection: &automaticActivityDetection{
				StartOfSpeechSensitivity: vadStartSensitivity,
				EndOfSpeechSensitivity:   vadEndSensitivity,
				SilenceDurationMs:        vadSilenceMs,
				PrefixPaddingMs:          vadPrefixPaddingMs,
			},
		},
		SessionResumption: &sessionResumption{
			Transparent: true,
			Handle:      cfg.ResumptionHandle,
		},
		InputAudioTranscription:  &transcriptionConfig{},
		OutputAudioTranscription: &transcriptionConfig{},
		ContextWindowCompression: &contextWindowCompression{
			TriggerTokens: compressionTriggerTokens,
			SlidingWindow: &slidingWindow{TargetTokens: compressionTargetTokens},
		},
	}

	if cfg.SystemInstruction != "" {
		setup.SystemInstruction = &Content{Parts: []Part{{Text: cfg.SystemInstruction}}}
	}
	if len(cfg.FunctionDeclarations) > 0 {
		setup.Tools = append(setup.Tools, toolDecl{FunctionDeclarations: cfg.FunctionDeclarations})
	}
	return setup
}
