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

// Package assignment implements the worker spawn queue: static
// assignments that are re-enqueued whenever their worker dies, and
// ephemeral script assignments created on upload and discarded when
// consumed.
package assignment

import (
	"github.com/google/uuid"

	"github.com/gravitational/domaind/lib/packet"
)

// Type is the kind of worker an assignment spawns. The numeric values are
// carried on the wire in RequestAssignment and CreateAssignment packets.
type Type uint8

const (
	TypeAudioMixer Type = iota
	TypeAvatarMixer
	TypeAgent
	TypeAssetServer
	TypeMessagesMixer
	TypeEntityScriptServer
	TypeEntityServer
)

var typeNames = map[Type]string{
	TypeAudioMixer:         "audio-mixer",
	TypeAvatarMixer:        "avatar-mixer",
	TypeAgent:              "agent",
	TypeAssetServer:        "asset-server",
	TypeMessagesMixer:      "messages-mixer",
	TypeEntityScriptServer: "entity-script-server",
	TypeEntityServer:       "entity-server",
}

// String returns the settings-facing name of the type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// IsAgent reports whether the assignment spawns a scripted agent rather
// than a mixer or server. Agent assignments sort behind everything else
// so mixers come up first.
func (t Type) IsAgent() bool { return t == TypeAgent }

// NodeType returns the node type a worker fulfilling this assignment
// registers as.
func (t Type) NodeType() packet.NodeType {
	switch t {
	case TypeAudioMixer:
		return packet.NodeTypeAudioMixer
	case TypeAvatarMixer:
		return packet.NodeTypeAvatarMixer
	case TypeAgent:
		return packet.NodeTypeAgent
	case TypeAssetServer:
		return packet.NodeTypeAssetServer
	case TypeMessagesMixer:
		return packet.NodeTypeMessagesMixer
	case TypeEntityScriptServer:
		return packet.NodeTypeEntityScriptServer
	case TypeEntityServer:
		return packet.NodeTypeEntityServer
	}
	return packet.NodeTypeUnassigned
}

// Assignment is one worker spawn order.
type Assignment struct {
	// UUID identifies the assignment; regenerated on every deployment
	// and on every requeue of a static assignment.
	UUID uuid.UUID

	// Type is the worker kind.
	Type Type

	// Pool optionally restricts which requesters may take the
	// assignment.
	Pool string

	// Payload is the literal argument bytes handed to the worker,
	// typically a concatenation of --key value pairs or a script URL.
	// Preserved byte for byte so existing workers keep parsing it.
	Payload []byte

	// Static marks assignments that must always be refulfilled.
	Static bool
}

// NewStatic creates a static assignment of the given type.
func NewStatic(t Type, pool string, payload []byte) *Assignment {
	return &Assignment{
		UUID:    uuid.New(),
		Type:    t,
		Pool:    pool,
		Payload: payload,
		Static:  true,
	}
}

// NewScript creates an ephemeral agent assignment running an uploaded
// script.
func NewScript(pool string) *Assignment {
	return &Assignment{
		UUID: uuid.New(),
		Type: TypeAgent,
		Pool: pool,
	}
}

// clone copies the assignment under a freshly generated UUID.
func (a *Assignment) clone() *Assignment {
	out := *a
	out.UUID = uuid.New()
	return &out
}

// matches applies the queue's match rule: type equal (or wildcard), and
// pool either equal or both empty.
func (a *Assignment) matches(requestType byte, pool string) bool {
	if requestType != packet.AllAssignmentTypes && Type(requestType) != a.Type {
		return false
	}
	return a.Pool == pool
}
