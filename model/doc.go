// Package model defines the normalized streaming interface to remote
// completion providers. Provider-specific formats are adapted into one
// internal delta vocabulary (text deltas, tool call deltas, final chunk) so
// downstream logic never branches per vendor. The Gateway wraps any Model
// with bounded exponential backoff for retryable transport failures.
package model
