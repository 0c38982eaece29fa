package bridge

import "github.com/voxbridge-ai/voxbridge/pkg/core"

// Error and ErrorType are re-exported so callers only import bridge.
type (
	Error     = core.Error
	ErrorType = core.ErrorType
)

const (
	ErrConnect        = core.ErrConnect
	ErrBackend        = core.ErrBackend
	ErrNoReply        = core.ErrNoReply
	ErrRateLimited    = core.ErrRateLimited
	ErrConnectionLost = core.ErrConnectionLost
	ErrSessionEnded   = core.ErrSessionEnded
	ErrNotActive      = core.ErrNotActive
	ErrTurnSuperseded = core.ErrTurnSuperseded
	ErrTurnInFlight   = core.ErrTurnInFlight
	ErrSynthesis      = core.ErrSynthesis
)

// IsType reports whether err is a bridge error of the given type.
func IsType(err error, typ ErrorType) bool {
	return core.IsType(err, typ)
}
