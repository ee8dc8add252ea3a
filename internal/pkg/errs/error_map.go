/*
Package errs provides custom error types and application-level error code constants.

This file maps every error code to its client-facing message and HTTP status.
*/
package errs

import "net/http"

// errorMap stores the CustomError template for every application error code.
var errorMap = map[int]CustomError{
	// 1xxx: General Request Handling Errors
	ErrInvalidParams:        {Code: ErrInvalidParams, Message: "Invalid request parameters.", Status: http.StatusBadRequest},
	ErrUnsupportedMediaType: {Code: ErrUnsupportedMediaType, Message: "Unsupported request format.", Status: http.StatusUnsupportedMediaType},
	ErrInvalidJSONFormat:    {Code: ErrInvalidJSONFormat, Message: "Malformed JSON.", Status: http.StatusBadRequest},
	ErrExtraContentInBody:   {Code: ErrExtraContentInBody, Message: "Request contains unexpected data.", Status: http.StatusBadRequest},
	ErrFileSizeTooLarge:     {Code: ErrFileSizeTooLarge, Message: "File is too large (max %d MB).", Status: http.StatusBadRequest},
	ErrFileTypeInvalid:      {Code: ErrFileTypeInvalid, Message: "Only JPEG, PNG, WebP and GIF images are allowed.", Status: http.StatusBadRequest},

	// 2xxx: Session and Relay Errors
	ErrInvalidIdentity:          {Code: ErrInvalidIdentity, Message: "A client id and a display name are required."},
	ErrIdentityStoreUnavailable: {Code: ErrIdentityStoreUnavailable, Message: "Sign-in is temporarily unavailable. Please try again.", Status: http.StatusServiceUnavailable},
	ErrNotBound:                 {Code: ErrNotBound, Message: "Please sign in to chat."},
	ErrAlreadyBound:             {Code: ErrAlreadyBound, Message: "This connection is already signed in."},
	ErrClaimInFlight:            {Code: ErrClaimInFlight, Message: "Sign-in is already in progress."},
	ErrUnsupportedEvent:         {Code: ErrUnsupportedEvent, Message: "Unsupported event type."},
	ErrSessionEvicted:           {Code: ErrSessionEvicted, Message: "You were signed in from another window."},
	ErrMessageTooLong:           {Code: ErrMessageTooLong, Message: "Message is too long (max %d bytes)."},

	// 3xxx: Rate Limiting and Feature Availability
	ErrRateLimitExceeded: {Code: ErrRateLimitExceeded, Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},
	ErrStorageDisabled:   {Code: ErrStorageDisabled, Message: "Avatar images are not enabled on this server.", Status: http.StatusNotImplemented},
	ErrRelayUnavailable:  {Code: ErrRelayUnavailable, Message: "Chat is temporarily unavailable.", Status: http.StatusServiceUnavailable},

	// 5xxx: Internal System Errors
	ErrUnknown:           {Code: ErrUnknown, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
	ErrFileStorageFailed: {Code: ErrFileStorageFailed, Message: "File storage failed. Please try again.", Status: http.StatusBadGateway},
}
