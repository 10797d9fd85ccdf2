// Copyright 2025-2026 The streamgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"errors"
	"fmt"
)

// Code machine readable error classification sent back to the caller
type Code string

// The closed set of caller facing error codes
const (
	// CodeMalformedFrame frame failed length or JSON validation
	CodeMalformedFrame Code = "MalformedFrame"
	// CodeWriteFailed the local channel rejected a frame write
	CodeWriteFailed Code = "WriteFailed"
	// CodeAuthError upstream rejected the presented credential
	CodeAuthError Code = "AuthError"
	// CodeStreamReset upstream stream ended abnormally
	CodeStreamReset Code = "StreamReset"
	// CodeSchemaDecodeError event payload could not be decoded against its schema
	CodeSchemaDecodeError Code = "SchemaDecodeError"
	// CodeUnknownChannelPattern channel name matched no routing rule
	CodeUnknownChannelPattern Code = "UnknownChannelPattern"
	// CodeSubscriptionNotFound subscription ID is not registered
	CodeSubscriptionNotFound Code = "SubscriptionNotFound"
	// CodeSubscriptionExists subscription ID is already registered
	CodeSubscriptionExists Code = "SubscriptionExists"
	// CodePayloadNotFound payload token is unknown, expired, or consumed
	CodePayloadNotFound Code = "PayloadNotFound"
	// CodeInvalidRequest request failed validation
	CodeInvalidRequest Code = "InvalidRequest"
	// CodeUnknown any failure outside the other classes
	CodeUnknown Code = "Unknown"
)

// ProxyError error carrying a caller facing classification
type ProxyError struct {
	// Code is the machine readable classification
	Code Code
	// Message is the human readable explanation
	Message string
	// Err is the underlying cause, if any
	Err error
}

// Error implements error
func (e *ProxyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// NewError define a new ProxyError with a classification
func NewError(code Code, format string, args ...interface{}) *ProxyError {
	return &ProxyError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attach a classification to an existing error
func WrapError(code Code, err error, format string, args ...interface{}) *ProxyError {
	return &ProxyError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf classify an arbitrary error. Errors which are not ProxyError map to CodeUnknown.
func CodeOf(err error) Code {
	var asProxyErr *ProxyError
	if errors.As(err, &asProxyErr) {
		return asProxyErr.Code
	}
	return CodeUnknown
}
