package registry

import "errors"

var (
	// ErrStale means the named entity vanished between the event drain and
	// the operation. The current render/input iteration is abandoned and
	// restarted; the user never sees it.
	ErrStale = errors.New("entity no longer present")

	// ErrFatal means a remote call failed even after a hard refresh and
	// retry. The supervisor responds by rebuilding everything.
	ErrFatal = errors.New("remote access failed after refresh")
)
