package cutibot

import "errors"

var (
	// ErrModelUnavailable wraps any failure to get a usable reply from
	// the model, whether from the network, the provider or the governor
	ErrModelUnavailable = errors.New("model unavailable")

	ErrWarNotFound    = errors.New("war not found")
	ErrAlreadyClaimed = errors.New("war already has a referee")
	ErrNotClaimed     = errors.New("war has no referee")
	ErrForbidden      = errors.New("only the current referee or a moderator can do that")

	errEmptyReply = errors.New("empty reply")
)

// userError is an error whose message is safe to show to discord users.
// Anything not wrapped as a userError gets the generic error message.
type userError struct {
	msg string
	err error
}

func (e *userError) Error() string {
	return e.msg
}

func (e *userError) Unwrap() error {
	return e.err
}

func newUserError(msg string) error {
	return &userError{msg: msg}
}

// userErrorMessage returns the user-facing message for err, and whether
// one was found
func userErrorMessage(err error) (string, bool) {
	var ue *userError
	if errors.As(err, &ue) {
		return ue.msg, true
	}
	for _, sentinel := range []error{
		ErrWarNotFound,
		ErrAlreadyClaimed,
		ErrNotClaimed,
		ErrForbidden,
	} {
		if errors.Is(err, sentinel) {
			return capitalize(sentinel.Error()) + ".", true
		}
	}
	return "", false
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	if r[0] >= 'a' && r[0] <= 'z' {
		r[0] -= 'a' - 'A'
	}
	return string(r)
}
