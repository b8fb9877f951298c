package frames

// Meta keys shared across processors and transports.
const (
	MetaStreamID   = "stream_id"
	MetaCallSID    = "call_sid"
	MetaTraceID    = "trace_id"
	MetaAgent      = "agent"
	MetaSource     = "source"
	MetaReason     = "reason"
	MetaFromNumber = "from_number"

	MetaEncoding = "encoding"
	MetaCodec    = "codec"
	MetaFormat   = "format"
	MetaEnergy   = "energy"

	MetaIsFinal    = "is_final"
	MetaConfidence = "confidence"
	MetaStartMS    = "start_ms"
	MetaEndMS      = "end_ms"
	MetaNormalized = "normalized"
	MetaIntent     = "intent"

	MetaGreetingText    = "greeting_text"
	MetaSystemMessage   = "system_message"
	MetaTTSFlush        = "tts_flush"
	MetaRepromptAttempt = "reprompt_attempt"
	MetaCallEndReason   = "call_end_reason"
	MetaCallSummary     = "call_summary"
	MetaOldStreamID     = "old_stream_id"

	MetaToolCallID          = "tool_call_id"
	MetaToolName            = "tool_name"
	MetaToolArgs            = "tool_args"
	MetaToolResult          = "tool_result"
	MetaToolStatus          = "tool_status"
	MetaToolError           = "tool_error"
	MetaToolRequiresConfirm = "tool_requires_confirm"
	MetaToolConfirmPrompt   = "tool_confirm_prompt"
	MetaIdempotency         = "idempotency_key"

	MetaDTMFDigit    = "dtmf_digit"
	MetaDTMFPriority = "dtmf_priority"

	MetaLanguage           = "language"
	MetaLanguageConfidence = "language_confidence"

	MetaHandoffAgent = "handoff_agent"

	MetaImageURL     = "image_url"
	MetaImageBase64  = "image_base64"
	MetaImageMIME    = "image_mime"
	MetaImageCaption = "image_caption"

	MetaShortTurnEnforced = "short_turn_enforced"
	MetaRecoveryReason    = "recovery_reason"
)

// MetaGlobalPrefix marks keys that carry call-scoped shared context
// (e.g. dynamic variables supplied by the carrier's start event).
const MetaGlobalPrefix = "global_"

const (
	MetaGlobalLanguage = MetaGlobalPrefix + "language"
	MetaGlobalAgent    = MetaGlobalPrefix + "agent"
)
