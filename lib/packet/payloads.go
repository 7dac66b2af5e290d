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

package packet

import (
	"net/netip"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// AllAssignmentTypes is the wildcard a requester sends when any worker
// assignment will do.
const AllAssignmentTypes byte = 0xFF

// ConnectRequest is the payload of a DomainConnectRequest.
type ConnectRequest struct {
	// ConnectUUID is the session UUID the candidate claims, or the ICE
	// client ID it used at the rendezvous server.
	ConnectUUID uuid.UUID

	// NodeType is the role the candidate wants to fill.
	NodeType NodeType

	// AssignmentUUID is non-nil when the candidate is a worker claiming a
	// handed out deployment.
	AssignmentUUID uuid.UUID

	// MachineFingerprint identifies the connecting machine for ban
	// matching.
	MachineFingerprint uuid.UUID

	// PublicSock and LocalSock are the candidate's offered addresses.
	PublicSock netip.AddrPort
	LocalSock  netip.AddrPort

	// Interest is the set of node types the candidate wants membership
	// updates for.
	Interest []NodeType

	// PlaceName is the place the candidate is trying to reach.
	PlaceName string

	// Version is the candidate's build version string.
	Version string

	// Username, UsernameToken and UsernameSignature carry the metaverse
	// identity claim: the signature covers username bytes followed by the
	// token bytes.
	Username          string
	UsernameToken     []byte
	UsernameSignature []byte
}

// Encode serializes the request payload.
func (c *ConnectRequest) Encode() []byte {
	var b Buffer
	b.WriteUUID(c.ConnectUUID)
	b.WriteByte(byte(c.NodeType))
	b.WriteUUID(c.AssignmentUUID)
	b.WriteUUID(c.MachineFingerprint)
	b.WriteSockAddr(c.PublicSock)
	b.WriteSockAddr(c.LocalSock)
	b.WriteByte(byte(len(c.Interest)))
	for _, t := range c.Interest {
		b.WriteByte(byte(t))
	}
	b.WriteString(c.PlaceName)
	b.WriteString(c.Version)
	b.WriteString(c.Username)
	b.WriteBytes(c.UsernameToken)
	b.WriteBytes(c.UsernameSignature)
	return b.Bytes()
}

// DecodeConnectRequest parses a DomainConnectRequest payload.
func DecodeConnectRequest(payload []byte) (*ConnectRequest, error) {
	r := NewReader(payload)
	c := &ConnectRequest{
		ConnectUUID:        r.ReadUUID(),
		NodeType:           NodeType(r.ReadByte()),
		AssignmentUUID:     r.ReadUUID(),
		MachineFingerprint: r.ReadUUID(),
		PublicSock:         r.ReadSockAddr(),
		LocalSock:          r.ReadSockAddr(),
	}
	count := int(r.ReadByte())
	for range count {
		c.Interest = append(c.Interest, NodeType(r.ReadByte()))
	}
	c.PlaceName = r.ReadString()
	c.Version = r.ReadString()
	c.Username = r.ReadString()
	c.UsernameToken = r.ReadBytes()
	c.UsernameSignature = r.ReadBytes()
	if err := r.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// NodeInfo describes one peer inside a DomainList or DomainServerAddedNode
// payload.
type NodeInfo struct {
	Type             NodeType
	UUID             uuid.UUID
	PublicSock       netip.AddrPort
	LocalSock        netip.AddrPort
	Permissions      uint32
	Replicated       bool
	LocalID          uint16
	ConnectionSecret uuid.UUID
}

func (n *NodeInfo) encode(b *Buffer) {
	b.WriteByte(byte(n.Type))
	b.WriteUUID(n.UUID)
	b.WriteSockAddr(n.PublicSock)
	b.WriteSockAddr(n.LocalSock)
	b.WriteUint32(n.Permissions)
	if n.Replicated {
		b.WriteByte(1)
	} else {
		b.WriteByte(0)
	}
	b.WriteUint16(n.LocalID)
	b.WriteUUID(n.ConnectionSecret)
}

func decodeNodeInfo(r *Reader) NodeInfo {
	return NodeInfo{
		Type:             NodeType(r.ReadByte()),
		UUID:             r.ReadUUID(),
		PublicSock:       r.ReadSockAddr(),
		LocalSock:        r.ReadSockAddr(),
		Permissions:      r.ReadUint32(),
		Replicated:       r.ReadByte() == 1,
		LocalID:          r.ReadUint16(),
		ConnectionSecret: r.ReadUUID(),
	}
}

// DomainList is the membership snapshot sent to a node at admission and
// whenever its permissions change.
type DomainList struct {
	DomainUUID            uuid.UUID
	DomainLocalID         uint16
	SessionUUID           uuid.UUID
	SessionLocalID        uint16
	Permissions           uint32
	AuthenticatedUsername string
	Nodes                 []NodeInfo
}

// Encode serializes the list payload.
func (d *DomainList) Encode() []byte {
	var b Buffer
	b.WriteUUID(d.DomainUUID)
	b.WriteUint16(d.DomainLocalID)
	b.WriteUUID(d.SessionUUID)
	b.WriteUint16(d.SessionLocalID)
	b.WriteUint32(d.Permissions)
	b.WriteString(d.AuthenticatedUsername)
	b.WriteUint16(uint16(len(d.Nodes)))
	for i := range d.Nodes {
		d.Nodes[i].encode(&b)
	}
	return b.Bytes()
}

// DecodeDomainList parses a DomainList payload.
func DecodeDomainList(payload []byte) (*DomainList, error) {
	r := NewReader(payload)
	d := &DomainList{
		DomainUUID:            r.ReadUUID(),
		DomainLocalID:         r.ReadUint16(),
		SessionUUID:           r.ReadUUID(),
		SessionLocalID:        r.ReadUint16(),
		Permissions:           r.ReadUint32(),
		AuthenticatedUsername: r.ReadString(),
	}
	count := int(r.ReadUint16())
	for range count {
		d.Nodes = append(d.Nodes, decodeNodeInfo(r))
	}
	if err := r.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return d, nil
}

// EncodeAddedNode serializes a DomainServerAddedNode payload.
func EncodeAddedNode(n NodeInfo) []byte {
	var b Buffer
	n.encode(&b)
	return b.Bytes()
}

// DecodeAddedNode parses a DomainServerAddedNode payload.
func DecodeAddedNode(payload []byte) (NodeInfo, error) {
	r := NewReader(payload)
	n := decodeNodeInfo(r)
	return n, trace.Wrap(r.Err())
}

// EncodeRemovedNode serializes a DomainServerRemovedNode payload.
func EncodeRemovedNode(id uuid.UUID) []byte {
	var b Buffer
	b.WriteUUID(id)
	return b.Bytes()
}

// DecodeRemovedNode parses a DomainServerRemovedNode payload.
func DecodeRemovedNode(payload []byte) (uuid.UUID, error) {
	r := NewReader(payload)
	id := r.ReadUUID()
	return id, trace.Wrap(r.Err())
}

// ListRequest is the periodic membership refresh an admitted node sends,
// carrying its current interest set.
type ListRequest struct {
	Interest []NodeType
}

// Encode serializes the request.
func (l *ListRequest) Encode() []byte {
	var b Buffer
	b.WriteByte(byte(len(l.Interest)))
	for _, t := range l.Interest {
		b.WriteByte(byte(t))
	}
	return b.Bytes()
}

// DecodeListRequest parses a DomainListRequest payload.
func DecodeListRequest(payload []byte) (*ListRequest, error) {
	r := NewReader(payload)
	l := &ListRequest{}
	count := int(r.ReadByte())
	for range count {
		l.Interest = append(l.Interest, NodeType(r.ReadByte()))
	}
	if err := r.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return l, nil
}

// ConnectionDenied carries the admission refusal reason back to the
// candidate.
type ConnectionDenied struct {
	Reason  DenialReason
	Message string
}

// Encode serializes the denial payload.
func (d *ConnectionDenied) Encode() []byte {
	var b Buffer
	b.WriteByte(byte(d.Reason))
	b.WriteString(d.Message)
	return b.Bytes()
}

// DecodeConnectionDenied parses a DomainConnectionDenied payload.
func DecodeConnectionDenied(payload []byte) (*ConnectionDenied, error) {
	r := NewReader(payload)
	d := &ConnectionDenied{
		Reason:  DenialReason(r.ReadByte()),
		Message: r.ReadString(),
	}
	if err := r.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return d, nil
}

// AssignmentRequest is the payload of a RequestAssignment from a worker
// host looking for work.
type AssignmentRequest struct {
	// Type is the assignment type wanted, or AllAssignmentTypes.
	Type byte

	// Pool restricts matching to assignments with the same pool tag.
	Pool string

	// Version is the requester's build version string.
	Version string
}

// Encode serializes the request.
func (a *AssignmentRequest) Encode() []byte {
	var b Buffer
	b.WriteByte(a.Type)
	b.WriteString(a.Pool)
	b.WriteString(a.Version)
	return b.Bytes()
}

// DecodeAssignmentRequest parses a RequestAssignment payload.
func DecodeAssignmentRequest(payload []byte) (*AssignmentRequest, error) {
	r := NewReader(payload)
	a := &AssignmentRequest{
		Type:    r.ReadByte(),
		Pool:    r.ReadString(),
		Version: r.ReadString(),
	}
	if err := r.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return a, nil
}

// AssignmentOffer is the payload of a CreateAssignment deploying work to a
// requester.
type AssignmentOffer struct {
	UUID uuid.UUID
	Type byte
	Pool string

	// Payload is the literal argument bytes handed to the worker,
	// preserved exactly as configured.
	Payload []byte
}

// Encode serializes the offer.
func (a *AssignmentOffer) Encode() []byte {
	var b Buffer
	b.WriteUUID(a.UUID)
	b.WriteByte(a.Type)
	b.WriteString(a.Pool)
	b.WriteBytes(a.Payload)
	return b.Bytes()
}

// DecodeAssignmentOffer parses a CreateAssignment payload.
func DecodeAssignmentOffer(payload []byte) (*AssignmentOffer, error) {
	r := NewReader(payload)
	a := &AssignmentOffer{
		UUID:    r.ReadUUID(),
		Type:    r.ReadByte(),
		Pool:    r.ReadString(),
		Payload: r.ReadBytes(),
	}
	if err := r.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return a, nil
}

// ICEHeartbeat is the signed presence announcement sent to the ICE
// rendezvous server.
type ICEHeartbeat struct {
	SessionUUID uuid.UUID
	PublicSock  netip.AddrPort
	LocalSock   netip.AddrPort

	// Signature is an RSA-SHA256 signature by the domain private key over
	// the preceding fields.
	Signature []byte
}

// SignedPortion returns the bytes the signature covers.
func (h *ICEHeartbeat) SignedPortion() []byte {
	var b Buffer
	b.WriteUUID(h.SessionUUID)
	b.WriteSockAddr(h.PublicSock)
	b.WriteSockAddr(h.LocalSock)
	return b.Bytes()
}

// Encode serializes the heartbeat.
func (h *ICEHeartbeat) Encode() []byte {
	var b Buffer
	b.WriteUUID(h.SessionUUID)
	b.WriteSockAddr(h.PublicSock)
	b.WriteSockAddr(h.LocalSock)
	b.WriteBytes(h.Signature)
	return b.Bytes()
}

// DecodeICEHeartbeat parses an ICEServerHeartbeat payload.
func DecodeICEHeartbeat(payload []byte) (*ICEHeartbeat, error) {
	r := NewReader(payload)
	h := &ICEHeartbeat{
		SessionUUID: r.ReadUUID(),
		PublicSock:  r.ReadSockAddr(),
		LocalSock:   r.ReadSockAddr(),
		Signature:   r.ReadBytes(),
	}
	if err := r.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return h, nil
}

// ICEPing flavors: out the candidate's public socket or its local socket.
const (
	PingPublic byte = 1
	PingLocal  byte = 2
)

// ICEPing is the symmetric rendezvous probe.
type ICEPing struct {
	SessionUUID uuid.UUID
	PingType    byte
}

// Encode serializes the ping.
func (p *ICEPing) Encode() []byte {
	var b Buffer
	b.WriteUUID(p.SessionUUID)
	b.WriteByte(p.PingType)
	return b.Bytes()
}

// DecodeICEPing parses an ICEPing or ICEPingReply payload.
func DecodeICEPing(payload []byte) (*ICEPing, error) {
	r := NewReader(payload)
	p := &ICEPing{
		SessionUUID: r.ReadUUID(),
		PingType:    r.ReadByte(),
	}
	if err := r.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// PathQuery asks the controller to resolve a named path to a viewpoint.
type PathQuery struct {
	Path string
}

// Encode serializes the query.
func (q *PathQuery) Encode() []byte {
	var b Buffer
	b.WriteString(q.Path)
	return b.Bytes()
}

// DecodePathQuery parses a DomainServerPathQuery payload.
func DecodePathQuery(payload []byte) (*PathQuery, error) {
	r := NewReader(payload)
	q := &PathQuery{Path: r.ReadString()}
	if err := r.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return q, nil
}

// PathResponse resolves a path query to a viewpoint string.
type PathResponse struct {
	Path      string
	Viewpoint string
}

// Encode serializes the response.
func (p *PathResponse) Encode() []byte {
	var b Buffer
	b.WriteString(p.Path)
	b.WriteString(p.Viewpoint)
	return b.Bytes()
}

// DecodePathResponse parses a DomainServerPathResponse payload.
func DecodePathResponse(payload []byte) (*PathResponse, error) {
	r := NewReader(payload)
	p := &PathResponse{
		Path:      r.ReadString(),
		Viewpoint: r.ReadString(),
	}
	if err := r.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// KickRequest asks the controller to evict a node. Only nodes holding the
// kick permission may send it.
type KickRequest struct {
	NodeUUID       uuid.UUID
	BanFingerprint bool
}

// Encode serializes the request.
func (k *KickRequest) Encode() []byte {
	var b Buffer
	b.WriteUUID(k.NodeUUID)
	if k.BanFingerprint {
		b.WriteByte(1)
	} else {
		b.WriteByte(0)
	}
	return b.Bytes()
}

// DecodeKickRequest parses a NodeKickRequest payload.
func DecodeKickRequest(payload []byte) (*KickRequest, error) {
	r := NewReader(payload)
	k := &KickRequest{
		NodeUUID:       r.ReadUUID(),
		BanFingerprint: r.ReadByte() == 1,
	}
	if err := r.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return k, nil
}

// UsernameFromIDReply answers a UsernameFromIDRequest lookup.
type UsernameFromIDReply struct {
	NodeUUID           uuid.UUID
	Username           string
	MachineFingerprint uuid.UUID
	Admin              bool
}

// Encode serializes the reply.
func (u *UsernameFromIDReply) Encode() []byte {
	var b Buffer
	b.WriteUUID(u.NodeUUID)
	b.WriteString(u.Username)
	b.WriteUUID(u.MachineFingerprint)
	if u.Admin {
		b.WriteByte(1)
	} else {
		b.WriteByte(0)
	}
	return b.Bytes()
}

// DecodeUsernameFromIDReply parses the reply payload.
func DecodeUsernameFromIDReply(payload []byte) (*UsernameFromIDReply, error) {
	r := NewReader(payload)
	u := &UsernameFromIDReply{
		NodeUUID:           r.ReadUUID(),
		Username:           r.ReadString(),
		MachineFingerprint: r.ReadUUID(),
		Admin:              r.ReadByte() == 1,
	}
	if err := r.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return u, nil
}

// ContentReplacementFromURL asks the controller to download a scene from a
// URL and run it through the atomic replacement path.
type ContentReplacementFromURL struct {
	URL string
}

// Encode serializes the request.
func (c *ContentReplacementFromURL) Encode() []byte {
	var b Buffer
	b.WriteString(c.URL)
	return b.Bytes()
}

// DecodeContentReplacementFromURL parses the payload.
func DecodeContentReplacementFromURL(payload []byte) (*ContentReplacementFromURL, error) {
	r := NewReader(payload)
	c := &ContentReplacementFromURL{URL: r.ReadString()}
	if err := r.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return c, nil
}
