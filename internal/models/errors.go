package models

import "errors"

// Error kinds shared by the conversation core and its collaborators. Concrete errors wrap one of these, so
// callers classify them with errors.Is.
var (
	// ErrValidation reports bad caller input, like an empty message or an unknown model.
	ErrValidation = errors.New("validation error")
	// ErrConfiguration reports a missing credential.
	ErrConfiguration = errors.New("configuration error")
	// ErrBusy reports a submit while another turn is still streaming.
	ErrBusy = errors.New("busy")
	// ErrNetwork reports a transport failure reaching the completion endpoint.
	ErrNetwork = errors.New("network error")
	// ErrAuthentication reports that the completion endpoint rejected the credential.
	ErrAuthentication = errors.New("authentication error")
	// ErrUnknown is the fallback kind for completion failures.
	ErrUnknown = errors.New("unknown error")
	// ErrPersistence reports that a store failed to write.
	ErrPersistence = errors.New("persistence error")
)

// User-facing texts rendered into the transcript for failed turns.
const (
	NetworkErrorText        = "Network connection failed, please check your network settings."
	AuthenticationErrorText = "The API key is invalid, please configure it again in the options page."
	UnknownErrorText        = "An unknown error occurred, please try again later."
)

// FriendlyError maps err to the text shown to the user in the transcript.
func FriendlyError(err error) string {
	switch {
	case errors.Is(err, ErrNetwork):
		return NetworkErrorText
	case errors.Is(err, ErrAuthentication):
		return AuthenticationErrorText
	default:
		return UnknownErrorText
	}
}
