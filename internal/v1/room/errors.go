package room

// Reason strings surfaced in a failed ACK's data.reason field. Kept as plain
// strings (not an enum type) because they cross the wire verbatim.
const (
	ReasonMissingRequiredFields = "missing_required_fields"
	ReasonInvalidMessage        = "invalid_message"
	ReasonMissingParams         = "missing_params"
	ReasonUnknownMessageType    = "unknown_message_type"
	ReasonUnknownSubtype        = "unknown_subtype"

	ReasonRoomNotFound    = "room_not_found"
	ReasonRoomNotActive   = "room_not_active"
	ReasonJoinFailed      = "join_failed"
	ReasonInvalidSession  = "invalid_session"

	ReasonNotAuthorized = "not_authorized"

	ReasonActionFailed = "action_failed"

	ReasonProcessingError = "processing_error"
)

// Result is the outcome of a Room command: success, or a typed failure
// reason drawn from the constants above (or from a boundary-condition event
// name such as "playlist_ended" — see next/previous).
type Result struct {
	OK     bool
	Reason string
}

func ok() Result { return Result{OK: true} }

func fail(reason string) Result { return Result{OK: false, Reason: reason} }
