/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httplib implements the admin API handler conventions: JSON
// replies, trace error to status code mapping, and request body limits.
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// MaxBodyBytes caps admin API request bodies. Content uploads use their
// own, larger limit.
const MaxBodyBytes = 1 << 20

// MaxUploadBytes caps scene and backup uploads.
const MaxUploadBytes = 512 << 20

// HandlerFunc is an admin API handler returning a JSON-serializable
// result or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler adapts a HandlerFunc to the router: errors map to status
// codes via trace, results serialize as JSON.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out != nil {
			roundtrip.ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReplyError writes a trace error as a JSON error reply with the mapped
// status code.
func ReplyError(w http.ResponseWriter, err error) {
	roundtrip.ReplyJSON(w, trace.ErrorToCode(err), map[string]any{
		"error": map[string]any{
			"message": trace.UserMessage(err),
		},
	})
}

// OK is the body of replies that carry no other payload.
func OK() map[string]any {
	return map[string]any{"status": "ok"}
}

// ReadJSON decodes a size-limited JSON request body.
func ReadJSON(r *http.Request, out any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return trace.BadParameter("request body is not valid JSON: %v", err)
	}
	return nil
}

// ReadUpload reads a size-limited binary upload body.
func ReadUpload(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxUploadBytes+1))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(data) > MaxUploadBytes {
		return nil, trace.LimitExceeded("upload exceeds %v bytes", MaxUploadBytes)
	}
	return data, nil
}
