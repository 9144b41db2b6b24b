package extract

import (
	"errors"
	"fmt"
)

// ErrorKind classifies extraction failures.
type ErrorKind int

const (
	// StructureChanged means the markup no longer matches the platform's
	// selectors. Retrying the same page will not help; someone has to look.
	StructureChanged ErrorKind = iota
	// Transient means the page was empty, partial or a bot-check
	// interstitial. A fresh fetch may succeed.
	Transient
)

func (k ErrorKind) String() string {
	switch k {
	case StructureChanged:
		return "structure_changed"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is returned by Registry.Extract.
type Error struct {
	Kind     ErrorKind
	Platform string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("extract %s: %s: %s", e.Platform, e.Kind, e.Reason)
}

// ErrUnsupportedPlatform is returned for URLs or platform keys with no
// registered extractor.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// KindOf returns the kind of an extraction error and whether err is one.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func structureChanged(platform, format string, args ...any) error {
	return &Error{Kind: StructureChanged, Platform: platform, Reason: fmt.Sprintf(format, args...)}
}

func transient(platform, format string, args ...any) error {
	return &Error{Kind: Transient, Platform: platform, Reason: fmt.Sprintf(format, args...)}
}
