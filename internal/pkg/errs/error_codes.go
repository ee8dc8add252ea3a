/*
Package errs provides custom error types and application-level error code constants.

The codes identify business and system errors both inside the server and on the wire,
in HTTP responses as well as in websocket error events.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrUnsupportedMediaType indicates that the request header Content-Type is not supported.
	ErrUnsupportedMediaType = 1002

	// ErrInvalidJSONFormat indicates that the request body or event payload is not valid JSON.
	ErrInvalidJSONFormat = 1003

	// ErrExtraContentInBody indicates that the request body contained extra content after valid JSON data.
	ErrExtraContentInBody = 1004

	// ErrFileSizeTooLarge indicates that the announced avatar image exceeds the size limit.
	ErrFileSizeTooLarge = 1005

	// ErrFileTypeInvalid indicates that the avatar image type or extension is not allowed.
	ErrFileTypeInvalid = 1006
)

// 2xxx: Session and Relay Errors
const (
	// ErrInvalidIdentity indicates a claim without client id or display name.
	ErrInvalidIdentity = 2001

	// ErrIdentityStoreUnavailable indicates that the identity store could not complete the request.
	ErrIdentityStoreUnavailable = 2002

	// ErrNotBound indicates an event that requires a bound identity on an unauthenticated connection.
	ErrNotBound = 2003

	// ErrAlreadyBound indicates a claim on a connection that already holds an identity.
	ErrAlreadyBound = 2004

	// ErrClaimInFlight indicates a claim while a previous claim on the same connection is unresolved.
	ErrClaimInFlight = 2005

	// ErrUnsupportedEvent indicates an inbound event type the relay does not handle.
	ErrUnsupportedEvent = 2006

	// ErrSessionEvicted indicates that a newer connection took over this identity.
	ErrSessionEvicted = 2007

	// ErrMessageTooLong indicates a chat message above the text size limit.
	ErrMessageTooLong = 2008
)

// 3xxx: Rate Limiting and Feature Availability
const (
	// ErrRateLimitExceeded indicates that the request rate has exceeded the set limit.
	ErrRateLimitExceeded = 3001

	// ErrStorageDisabled indicates that avatar image storage is not configured.
	ErrStorageDisabled = 3002

	// ErrRelayUnavailable indicates that the relay is shutting down or not running.
	ErrRelayUnavailable = 3003
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000

	// ErrFileStorageFailed indicates that the object storage backend rejected the request.
	ErrFileStorageFailed = 5001
)
