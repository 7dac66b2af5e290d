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

// Package packet implements the framed datagram wire format of the domain
// control plane: the typed header, socket address and UUID encodings, the
// per-session HMAC, and the dispatch mux that routes inbound packets to
// component handlers.
package packet

import (
	"crypto/sha256"
	"encoding/base64"
	"slices"
)

// Type identifies a control plane packet. The numeric values are part of
// the wire protocol; never renumber, only append.
type Type uint8

const (
	TypeUnknown                         Type = 0
	TypeDomainList                      Type = 2
	TypeDomainListRequest               Type = 13
	TypeRequestAssignment               Type = 14
	TypeCreateAssignment                Type = 15
	TypeDomainConnectionDenied          Type = 16
	TypeDomainServerPathQuery           Type = 19
	TypeDomainServerPathResponse        Type = 20
	TypeDomainServerAddedNode           Type = 21
	TypeICEServerPeerInformation        Type = 22
	TypeICEServerQuery                  Type = 23
	TypeDomainServerRemovedNode         Type = 27
	TypeDomainConnectRequest            Type = 34
	TypeNodeJsonStats                   Type = 36
	TypeICEServerHeartbeat              Type = 41
	TypeICEPing                         Type = 42
	TypeICEPingReply                    Type = 43
	TypeDomainDisconnectRequest         Type = 48
	TypeDomainServerRemovedNodeACK      Type = 49
	TypeUsernameFromIDRequest           Type = 50
	TypeUsernameFromIDReply             Type = 51
	TypeNodeKickRequest                 Type = 52
	TypeDomainSettingsRequest           Type = 55
	TypeDomainSettings                  Type = 56
	TypeICEServerHeartbeatDenied        Type = 57
	TypeICEServerHeartbeatACK           Type = 58
	TypeOctreeDataFileRequest           Type = 60
	TypeOctreeDataFileReply             Type = 61
	TypeOctreeDataPersist               Type = 62
	TypeOctreeFileReplacement           Type = 63
	TypeDomainContentReplacementFromUrl Type = 64
)

var typeNames = map[Type]string{
	TypeDomainList:                      "DomainList",
	TypeDomainListRequest:               "DomainListRequest",
	TypeRequestAssignment:               "RequestAssignment",
	TypeCreateAssignment:                "CreateAssignment",
	TypeDomainConnectionDenied:          "DomainConnectionDenied",
	TypeDomainServerPathQuery:           "DomainServerPathQuery",
	TypeDomainServerPathResponse:        "DomainServerPathResponse",
	TypeDomainServerAddedNode:           "DomainServerAddedNode",
	TypeICEServerPeerInformation:        "ICEServerPeerInformation",
	TypeICEServerQuery:                  "ICEServerQuery",
	TypeDomainServerRemovedNode:         "DomainServerRemovedNode",
	TypeDomainConnectRequest:            "DomainConnectRequest",
	TypeNodeJsonStats:                   "NodeJsonStats",
	TypeICEServerHeartbeat:              "ICEServerHeartbeat",
	TypeICEPing:                         "ICEPing",
	TypeICEPingReply:                    "ICEPingReply",
	TypeDomainDisconnectRequest:         "DomainDisconnectRequest",
	TypeDomainServerRemovedNodeACK:      "DomainServerRemovedNodeACK",
	TypeUsernameFromIDRequest:           "UsernameFromIDRequest",
	TypeUsernameFromIDReply:             "UsernameFromIDReply",
	TypeNodeKickRequest:                 "NodeKickRequest",
	TypeDomainSettingsRequest:           "DomainSettingsRequest",
	TypeDomainSettings:                  "DomainSettings",
	TypeICEServerHeartbeatDenied:        "ICEServerHeartbeatDenied",
	TypeICEServerHeartbeatACK:           "ICEServerHeartbeatACK",
	TypeOctreeDataFileRequest:           "OctreeDataFileRequest",
	TypeOctreeDataFileReply:             "OctreeDataFileReply",
	TypeOctreeDataPersist:               "OctreeDataPersist",
	TypeOctreeFileReplacement:           "OctreeFileReplacement",
	TypeDomainContentReplacementFromUrl: "DomainContentReplacementFromUrl",
}

// String returns the protocol name of the type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// nonSourced lists the types that are processed before the sender has a
// registry entry; they carry no source local ID and no HMAC.
var nonSourced = map[Type]bool{
	TypeDomainConnectRequest:     true,
	TypeRequestAssignment:        true,
	TypeDomainConnectionDenied:   true,
	TypeDomainList:               true,
	TypeCreateAssignment:         true,
	TypeDomainServerPathQuery:    true,
	TypeDomainServerPathResponse: true,
	TypeICEServerPeerInformation: true,
	TypeICEServerQuery:           true,
	TypeICEServerHeartbeat:       true,
	TypeICEServerHeartbeatACK:    true,
	TypeICEServerHeartbeatDenied: true,
	TypeICEPing:                  true,
	TypeICEPingReply:             true,
}

// Sourced reports whether packets of this type must resolve to a live node
// and carry a verifiable HMAC.
func (t Type) Sourced() bool {
	return !nonSourced[t]
}

// versions carries the expected protocol version per type. Types absent
// from the map are at version 1.
var versions = map[Type]uint8{
	TypeDomainConnectRequest: 2,
	TypeDomainList:           2,
	TypeICEServerHeartbeat:   2,
}

// VersionFor returns the protocol version the controller speaks for the
// given type.
func VersionFor(t Type) uint8 {
	if v, ok := versions[t]; ok {
		return v
	}
	return 1
}

// ProtocolSignature returns a stable digest of the per-type protocol
// versions, reported in metaverse heartbeats so clients can detect
// incompatible domains before connecting.
func ProtocolSignature() string {
	types := make([]Type, 0, len(typeNames))
	for t := range typeNames {
		types = append(types, t)
	}
	slices.Sort(types)
	h := sha256.New()
	for _, t := range types {
		h.Write([]byte{byte(t), VersionFor(t)})
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// DenialReason is the machine readable code carried by a
// DomainConnectionDenied packet.
type DenialReason uint8

const (
	DenialUnknown DenialReason = iota
	DenialProtocolMismatch
	DenialLoginError
	DenialNotAuthorized
	DenialTooManyUsers
	DenialTimedOut
	DenialBanned
)

// String returns the reason name used in logs and HTTP responses.
func (r DenialReason) String() string {
	switch r {
	case DenialProtocolMismatch:
		return "ProtocolMismatch"
	case DenialLoginError:
		return "LoginError"
	case DenialNotAuthorized:
		return "NotAuthorized"
	case DenialTooManyUsers:
		return "TooManyUsers"
	case DenialTimedOut:
		return "TimedOut"
	case DenialBanned:
		return "Banned"
	default:
		return "Unknown"
	}
}

// NodeType is the wire encoding of a node's role in the domain. Values are
// single ASCII mnemonics inherited from the protocol.
type NodeType byte

const (
	NodeTypeAgent              NodeType = 'I'
	NodeTypeAudioMixer         NodeType = 'M'
	NodeTypeAvatarMixer        NodeType = 'W'
	NodeTypeEntityServer       NodeType = 'o'
	NodeTypeAssetServer        NodeType = 'A'
	NodeTypeMessagesMixer      NodeType = 'm'
	NodeTypeEntityScriptServer NodeType = 'S'
	NodeTypeUpstreamAudio      NodeType = 'B'
	NodeTypeUpstreamAvatar     NodeType = 'C'
	NodeTypeDownstreamAudio    NodeType = 'a'
	NodeTypeDownstreamAvatar   NodeType = 'w'
	NodeTypeUnassigned         NodeType = 1
)

var nodeTypeNames = map[NodeType]string{
	NodeTypeAgent:              "Agent",
	NodeTypeAudioMixer:         "AudioMixer",
	NodeTypeAvatarMixer:        "AvatarMixer",
	NodeTypeEntityServer:       "EntityServer",
	NodeTypeAssetServer:        "AssetServer",
	NodeTypeMessagesMixer:      "MessagesMixer",
	NodeTypeEntityScriptServer: "EntityScriptServer",
	NodeTypeUpstreamAudio:      "UpstreamAudioMixer",
	NodeTypeUpstreamAvatar:     "UpstreamAvatarMixer",
	NodeTypeDownstreamAudio:    "DownstreamAudioMixer",
	NodeTypeDownstreamAvatar:   "DownstreamAvatarMixer",
}

// String returns the human readable node type name.
func (t NodeType) String() string {
	if name, ok := nodeTypeNames[t]; ok {
		return name
	}
	return "Unassigned"
}

// Valid reports whether t is a member of the closed node type set.
func (t NodeType) Valid() bool {
	_, ok := nodeTypeNames[t]
	return ok
}

// IsAgent reports whether the type is an interactive user rather than a
// worker.
func (t NodeType) IsAgent() bool {
	return t == NodeTypeAgent
}

// IsReplication reports whether the type mirrors traffic for another
// domain. Replication nodes are exempt from silence eviction.
func (t NodeType) IsReplication() bool {
	switch t {
	case NodeTypeUpstreamAudio, NodeTypeUpstreamAvatar,
		NodeTypeDownstreamAudio, NodeTypeDownstreamAvatar:
		return true
	}
	return false
}

// ParseNodeType maps a human readable name back to its wire value.
func ParseNodeType(name string) (NodeType, bool) {
	for t, n := range nodeTypeNames {
		if n == name {
			return t, true
		}
	}
	return NodeTypeUnassigned, false
}
