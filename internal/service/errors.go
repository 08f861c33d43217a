package service

import "errors"

// ErrMalformedEvent: the push payload could not be decoded. The listener
// answers 4xx and persists nothing; the device retries per its firmware.
var ErrMalformedEvent = errors.New("malformed event payload")
