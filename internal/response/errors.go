package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrInvalidCredentials ErrCode = "INVALID_CREDENTIALS"
	ErrRunActive          ErrCode = "RUN_ALREADY_ACTIVE"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrTokenExpired       ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden             ErrCode = "FORBIDDEN"
	ErrOperatorAccessOnly    ErrCode = "OPERATOR_ACCESS_ONLY"
	ErrParticipantAccessOnly ErrCode = "PARTICIPANT_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation        ErrCode = "VALIDATION_ERROR"
	ErrInvalidID         ErrCode = "INVALID_ID"
	ErrInvalidPayload    ErrCode = "INVALID_PAYLOAD"
	ErrInvalidDefinition ErrCode = "INVALID_DEFINITION"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrConflict        ErrCode = "CONFLICT"
	ErrActionForbidden ErrCode = "ACTION_FORBIDDEN"

	// ─── Run-specific ──────────────────────────────────────────────────
	ErrQuestionnaireNotPublished ErrCode = "QUESTIONNAIRE_NOT_PUBLISHED"
	ErrQuestionnaireNotDraft     ErrCode = "QUESTIONNAIRE_NOT_DRAFT"
	ErrInvalidEntryCode          ErrCode = "INVALID_ENTRY_CODE"
	ErrNotQuestionnaireAuthor    ErrCode = "NOT_QUESTIONNAIRE_AUTHOR"
	ErrNoPages                   ErrCode = "NO_PAGES"
	ErrRunNotLive                ErrCode = "RUN_NOT_LIVE"
	ErrRunFinalized              ErrCode = "RUN_FINALIZED"
	ErrPreloadFailed             ErrCode = "PRELOAD_FAILED"
	ErrResponseRejected          ErrCode = "RESPONSE_REJECTED"

	// ─── Media ─────────────────────────────────────────────────────────
	ErrFileRequired    ErrCode = "FILE_REQUIRED"
	ErrUnsupportedFile ErrCode = "UNSUPPORTED_FILE_TYPE"
	ErrFileTooLarge    ErrCode = "FILE_TOO_LARGE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrInvalidCredentials:
		return "Email or password is incorrect."
	case ErrRunActive:
		return "You already have a run in progress."
	case ErrTokenRequired:
		return "An authentication token is required."
	case ErrTokenInvalid:
		return "The authentication token is invalid."
	case ErrTokenExpired:
		return "The authentication token has expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You do not have permission to access this resource."
	case ErrOperatorAccessOnly:
		return "This resource is restricted to operators."
	case ErrParticipantAccessOnly:
		return "This resource is restricted to participants."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "The id format is invalid."
	case ErrInvalidPayload:
		return "The request payload is invalid."
	case ErrInvalidDefinition:
		return "The questionnaire definition failed validation."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "The resource was not found."
	case ErrConflict:
		return "The resource already exists."
	case ErrActionForbidden:
		return "This action is not allowed."

	// ─── Run-specific ──────────────────────────────────────────────────
	case ErrQuestionnaireNotPublished:
		return "This questionnaire is not published."
	case ErrQuestionnaireNotDraft:
		return "This questionnaire is not in DRAFT status."
	case ErrInvalidEntryCode:
		return "The entry code is not valid."
	case ErrNotQuestionnaireAuthor:
		return "You are not the author of this questionnaire."
	case ErrNoPages:
		return "This questionnaire has no pages."
	case ErrRunNotLive:
		return "This run session is not live."
	case ErrRunFinalized:
		return "This run session has already finished."
	case ErrPreloadFailed:
		return "A stimulus asset could not be preloaded."
	case ErrResponseRejected:
		return "The response does not fit the question's response type."

	// ─── Media ─────────────────────────────────────────────────────────
	case ErrFileRequired:
		return "A file upload is required."
	case ErrUnsupportedFile:
		return "The file type is not supported."
	case ErrFileTooLarge:
		return "The file size exceeds the limit."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
