package router

import "livepoll/pkg/types"

var (
	ErrInvalidEventType  = &types.Error{Kind: types.KindValidation, Message: "unknown event type"}
	ErrMalformedPayload  = &types.Error{Kind: types.KindValidation, Message: "malformed payload"}
	ErrNotJoined         = &types.Error{Kind: types.KindState, Message: "join before sending events"}
	ErrUnauthorizedEvent = &types.Error{Kind: types.KindState, Message: "role not allowed to send this event"}
	ErrRateLimitExceeded = &types.Error{Kind: types.KindState, Message: "rate limit exceeded"}
)
