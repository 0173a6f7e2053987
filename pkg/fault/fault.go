// Package fault defines the error taxonomy shared by the audio pipeline and
// the connection session, and the classifier that maps free-text failure
// reasons onto it.
//
// Remote services report quota exhaustion or unavailable models only as
// human-readable text in error events and close frames. [Classify] is the one
// place where that text is inspected. The patterns track the current wording
// of upstream messages and are therefore heuristic; when a transport exposes
// a structured code, wrap the error in an [*Error] with the right [Kind]
// instead of relying on text.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a failure category. It decides whether a failure is retried.
type Kind int

const (
	// Transport is a non-fatal socket error or close. Retried under the
	// reconnect policy.
	Transport Kind = iota

	// Permission means microphone access was denied. Not retried.
	Permission

	// Device means the capture or playback device could not be set up.
	// Not retried.
	Device

	// UnsupportedModel means the requested model cannot be used by this
	// account or region. The model is removed from the roster and the next
	// candidate is tried.
	UnsupportedModel

	// Quota means billing or quota limits were hit. Auto-reconnect is
	// disabled until the user restarts explicitly.
	Quota

	// EmptyResult means decoding or processing produced nothing usable.
	// Surfaced, not retried.
	EmptyResult
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Permission:
		return "permission"
	case Device:
		return "device"
	case UnsupportedModel:
		return "unsupported_model"
	case Quota:
		return "quota"
	case EmptyResult:
		return "empty_result"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether a failure of this kind may lead to another
// connection attempt without user action.
func (k Kind) Retryable() bool {
	return k == Transport || k == UnsupportedModel
}

// Persistent reports whether the user-visible status for this kind should
// stay until the user restarts, rather than clearing after a short window.
func (k Kind) Persistent() bool {
	switch k {
	case Permission, Device, Quota:
		return true
	default:
		return false
	}
}

// Error is a classified failure.
type Error struct {
	Kind  Kind
	Op    string // operation that failed, e.g. "capture start"
	Model string // model in use, if any
	Err   error
}

// New returns an [*Error] of the given kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" during ")
		b.WriteString(e.Op)
	}
	if e.Model != "" {
		fmt.Fprintf(&b, " (model %s)", e.Model)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err. An [*Error] anywhere in the chain wins;
// otherwise the error text is classified. A nil error is [Transport].
func KindOf(err error) Kind {
	if err == nil {
		return Transport
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Classify(err.Error())
}

// Patterns are matched case-insensitively as substrings. Quota is checked
// before unsupported-model because some quota messages also mention the model.
var (
	quotaPatterns = []string{
		"quota",
		"billing",
		"resource_exhausted",
		"resource has been exhausted",
		"insufficient_quota",
		"exceeded your current",
	}
	unsupportedModelPatterns = []string{
		"is not found for api version",
		"not supported for bidigeneratecontent",
		"is not supported for this model",
		"model_not_found",
		"model not found",
		"unsupported model",
		"does not exist or you do not have access",
		"does not have access to model",
		"user location is not supported",
		"not available in your country",
		"not available in your region",
	}
	permissionPatterns = []string{
		"permission denied",
		"notallowederror",
		"access denied",
		"not authorized to access the microphone",
	}
	devicePatterns = []string{
		"no such device",
		"device not found",
		"notfounderror",
		"failed to init device",
		"device unavailable",
	}
)

// Classify maps raw error text to a [Kind]. Text that matches no known
// pattern is a [Transport] failure.
func Classify(text string) Kind {
	t := strings.ToLower(text)
	switch {
	case t == "":
		return Transport
	case containsAny(t, quotaPatterns):
		return Quota
	case containsAny(t, unsupportedModelPatterns):
		return UnsupportedModel
	case containsAny(t, permissionPatterns):
		return Permission
	case containsAny(t, devicePatterns):
		return Device
	default:
		return Transport
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
