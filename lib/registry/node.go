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

package registry

import (
	"encoding/json"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/gravitational/domaind/lib/packet"
	"github.com/gravitational/domaind/lib/settings"
)

// Node is a registered peer in the domain. All fields are owned by the
// registry; mutate only through registry operations.
type Node struct {
	// UUID is the stable 128-bit node ID.
	UUID uuid.UUID

	// LocalID is the compact wire ID assigned at admission, unique among
	// live nodes.
	LocalID uint16

	// Type is the node's role.
	Type packet.NodeType

	// PublicSock and LocalSock are the addresses the node offered at
	// admission.
	PublicSock netip.AddrPort
	LocalSock  netip.AddrPort

	// SenderSock is the address the node's traffic actually arrives
	// from; replies go here.
	SenderSock netip.AddrPort

	// Permissions is the node's resolved permission vector.
	Permissions settings.Permissions

	// Replicated marks nodes mirrored from an upstream domain.
	Replicated bool

	// ControllerSecret authenticates traffic between this node and the
	// controller.
	ControllerSecret uuid.UUID

	// Interest is the set of node types this node wants membership
	// updates about.
	Interest map[packet.NodeType]bool

	// PlaceName is the place the node connected to.
	PlaceName string

	// Version is the node's build version string.
	Version string

	// WakeTime is when the node was admitted.
	WakeTime time.Time

	// LastHeartbeat is the last time traffic was seen from the node.
	LastHeartbeat time.Time

	// AssignmentUUID binds a worker to its deployed assignment,
	// uuid.Nil for users.
	AssignmentUUID uuid.UUID

	// VerifiedUsername is the metaverse identity proven at admission.
	VerifiedUsername string

	// MachineFingerprint identifies the connecting machine.
	MachineFingerprint uuid.UUID

	// ForcedNeverSilent exempts the node from silence eviction; set for
	// replication peers.
	ForcedNeverSilent bool

	// PendingCredits is the best effort assignment credit counter. Its
	// bookkeeping never affects admission.
	PendingCredits float64

	// Stats is the last NodeJsonStats blob the node reported.
	Stats json.RawMessage
}

// InterestedIn reports whether the node wants updates about peers of the
// given type.
func (n *Node) InterestedIn(t packet.NodeType) bool {
	return n.Interest[t]
}

// Info flattens the node into the wire representation sent to a peer.
// secret is the pairwise session secret between the node and the peer the
// info is destined for.
func (n *Node) Info(secret uuid.UUID) packet.NodeInfo {
	return packet.NodeInfo{
		Type:             n.Type,
		UUID:             n.UUID,
		PublicSock:       n.PublicSock,
		LocalSock:        n.LocalSock,
		Permissions:      uint32(n.Permissions),
		Replicated:       n.Replicated,
		LocalID:          n.LocalID,
		ConnectionSecret: secret,
	}
}
