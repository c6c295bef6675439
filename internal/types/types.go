package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrUnauthorized       ErrorCode = "unauthorized"
	ErrForbidden          ErrorCode = "forbidden"
	ErrBadRequest         ErrorCode = "bad_request"
	ErrConflict           ErrorCode = "conflict"
	ErrInternal           ErrorCode = "internal"
	ErrNotFound           ErrorCode = "not_found"
	ErrRateLimited        ErrorCode = "rate_limited"
	ErrInvalidSubmission  ErrorCode = "invalid_submission"
	ErrPromptTimeout      ErrorCode = "prompt_timeout"
	ErrPromptCanceled     ErrorCode = "prompt_canceled"
	ErrLLMTimeout         ErrorCode = "llm_timeout"
	ErrLLMUpstream        ErrorCode = "llm_upstream"
	ErrInvariantViolation ErrorCode = "invariant_violation"
	ErrBusOverflow        ErrorCode = "bus_overflow"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func NewError(code ErrorCode, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

func WrapError(code ErrorCode, msg string, err error) *AppError {
	return &AppError{Code: code, Message: msg, Err: err}
}

func Is(err error, code ErrorCode) bool {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code == code
	}
	return false
}

// ActionKind identifies a human-actionable moment the engine can gate on.
type ActionKind string

const (
	ActionSpeech      ActionKind = "SPEECH"
	ActionVote        ActionKind = "VOTE"
	ActionWolfKill    ActionKind = "WOLF_KILL"
	ActionSeerCheck   ActionKind = "SEER_CHECK"
	ActionWitchAct    ActionKind = "WITCH_ACT"
	ActionHunterShoot ActionKind = "HUNTER_SHOOT"
	ActionLastWords   ActionKind = "LAST_WORDS"
)

// EventType names a client-visible bus event.
type EventType string

const (
	EventPhaseChanged          EventType = "phase_changed"
	EventHostAnnouncementStart EventType = "host_announcement_start"
	EventHostAnnouncementChunk EventType = "host_announcement_chunk"
	EventHostAnnouncementEnd   EventType = "host_announcement_end"
	EventSeatSpeechStart       EventType = "seat_speech_start"
	EventSeatSpeechChunk       EventType = "seat_speech_chunk"
	EventSeatSpeechEnd         EventType = "seat_speech_end"
	EventWaitingForHuman       EventType = "waiting_for_human"
	EventAITakeover            EventType = "ai_takeover"
	EventVoteOptions           EventType = "vote_options"
	EventHumanVoteComplete     EventType = "human_vote_complete"
	EventNightActionResult     EventType = "night_action_result"
	EventPlayerDied            EventType = "player_died"
	EventGameEnded             EventType = "game_ended"
	EventSpectatorMode         EventType = "spectator_mode"
)

// BusEvent is the wire-level envelope delivered to subscribers. Events with
// Private set carry a Seat tag and are routed only to that seat's
// connections; the bus drops them for everyone else.
type BusEvent struct {
	Type     EventType       `json:"type"`
	RoomCode string          `json:"room_code"`
	Day      int             `json:"day,omitempty"`
	Phase    string          `json:"phase,omitempty"`
	Seat     int             `json:"seat,omitempty"`
	Private  bool            `json:"-"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	ServerTS int64           `json:"server_ts"`
}

// Submission is a client-originated action handed to the prompt broker.
type Submission struct {
	RoomCode string          `json:"room_code"`
	Seat     int             `json:"seat"`
	Action   ActionKind      `json:"action"`
	Payload  json.RawMessage `json:"payload"`
}

func MustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
