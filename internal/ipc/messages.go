// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the JSON messages exchanged over the daemon socket.
// One Request is written per connection and answered with one Response.
package ipc

import "encoding/json"

// Command names.
const (
	CmdSignIn     = "signin"
	CmdGetItem    = "get_item"
	CmdListItems  = "list_items"
	CmdListVaults = "list_vaults"
	CmdSignOut    = "signout"
	CmdStatus     = "status"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// MsgRequestTooLarge answers a request over the size limit.
const MsgRequestTooLarge = "Request too large"

// Request is the message a client sends. Absent required fields decode as
// empty strings; absent optional fields stay nil.
type Request struct {
	Command string `json:"command"`

	// signin
	Account   string `json:"account,omitempty"`
	Email     string `json:"email,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Password  string `json:"password,omitempty"`

	// get_item
	ItemName string  `json:"item_name,omitempty"`
	Field    *string `json:"field,omitempty"`

	// get_item, list_items
	Vault *string `json:"vault,omitempty"`

	// list_items
	Categories *string `json:"categories,omitempty"`
}

// Response is the message the daemon sends back.
type Response struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	// status command only
	Authenticated *bool    `json:"authenticated,omitempty"`
	AuthType      string   `json:"auth_type,omitempty"`
	LastActivity  *float64 `json:"last_activity,omitempty"`
}

// OK reports whether the response is a success.
func (r Response) OK() bool { return r.Status == StatusSuccess }

// Success returns a success response with an optional message.
func Success(message string) Response {
	return Response{Status: StatusSuccess, Message: message}
}

// SuccessData returns a success response carrying data.
func SuccessData(data json.RawMessage) Response {
	return Response{Status: StatusSuccess, Data: data}
}

// SuccessString returns a success response whose data is a JSON string.
func SuccessString(value string) Response {
	data, _ := json.Marshal(value)
	return Response{Status: StatusSuccess, Data: data}
}

// Error returns an error response.
func Error(message string) Response {
	return Response{Status: StatusError, Message: message}
}

// Opt returns a pointer to s, for filling optional request fields.
func Opt(s string) *string { return &s }

// Value dereferences an optional field, treating nil as empty.
func Value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
