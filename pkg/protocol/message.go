package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// MessageType is the one-byte tag that follows the length prefix.
type MessageType uint8

const (
	TypeDirectoryListingRequest MessageType = iota
	TypeDirectoryListingReply
	TypeHandshake
	TypeAvailablePieces
	TypeDataRequest
	TypeDataPackage
	TypePieceUpdate
	TypeAnnounceRequest
	TypeAnnounceReply
	TypeConnectRequest
	TypeConnectReply
	TypeExit
	TypeRelayHandshake
	TypeAllocateRequest
	TypeAllocateReply
	TypeExitPeer
)

var typeNames = [...]string{
	"DirectoryListingRequest", "DirectoryListingReply", "Handshake", "AvailablePieces",
	"DataRequest", "DataPackage", "PieceUpdate", "AnnounceRequest", "AnnounceReply",
	"ConnectRequest", "ConnectReply", "Exit", "RelayHandshake", "AllocateRequest",
	"AllocateReply", "ExitPeer",
}

func (t MessageType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// LengthSize is the size of the stream length prefix. The prefix counts itself.
const LengthSize = 4

// Message is one of the sixteen wire messages.
type Message interface {
	Type() MessageType
	appendPayload(b []byte) ([]byte, error)
}

type DirectoryListingRequest struct{}

type DirectoryListingReply struct {
	Listing string
}

type Handshake struct {
	DescriptorHash Hash
	PeerID         PeerID
}

type AvailablePieces struct {
	Pieces *Bitmap
}

type DataRequest struct {
	Index uint16
}

type DataPackage struct {
	Index uint16
	Data  []byte
}

type PieceUpdate struct {
	Index uint16
}

type AnnounceRequest struct {
	Peer       PeerAddress
	Descriptor FileDescriptor
}

type AnnounceReply struct {
	Accepted bool
}

type ConnectRequest struct {
	Peer     PeerAddress
	FileName string
}

// ConnectReply carries the descriptor and members only when Found.
type ConnectReply struct {
	Found      bool
	Descriptor FileDescriptor
	Peers      []PeerAddress
}

type Exit struct {
	PeerID PeerID
}

// RelayHandshake tells a relay client the IPv4 address the relay sees.
type RelayHandshake struct {
	IP netip.Addr
}

type AllocateRequest struct {
	PeerID PeerID
}

// AllocateReply carries the forwarding port; zero means allocation failed.
type AllocateReply struct {
	Port uint32
}

type ExitPeer struct{}

func (DirectoryListingRequest) Type() MessageType { return TypeDirectoryListingRequest }
func (DirectoryListingReply) Type() MessageType   { return TypeDirectoryListingReply }
func (Handshake) Type() MessageType               { return TypeHandshake }
func (AvailablePieces) Type() MessageType         { return TypeAvailablePieces }
func (DataRequest) Type() MessageType             { return TypeDataRequest }
func (DataPackage) Type() MessageType             { return TypeDataPackage }
func (PieceUpdate) Type() MessageType             { return TypePieceUpdate }
func (AnnounceRequest) Type() MessageType         { return TypeAnnounceRequest }
func (AnnounceReply) Type() MessageType           { return TypeAnnounceReply }
func (ConnectRequest) Type() MessageType          { return TypeConnectRequest }
func (ConnectReply) Type() MessageType            { return TypeConnectReply }
func (Exit) Type() MessageType                    { return TypeExit }
func (RelayHandshake) Type() MessageType          { return TypeRelayHandshake }
func (AllocateRequest) Type() MessageType         { return TypeAllocateRequest }
func (AllocateReply) Type() MessageType           { return TypeAllocateReply }
func (ExitPeer) Type() MessageType                { return TypeExitPeer }

func (DirectoryListingRequest) appendPayload(b []byte) ([]byte, error) { return b, nil }
func (ExitPeer) appendPayload(b []byte) ([]byte, error)                { return b, nil }

func (m DirectoryListingReply) appendPayload(b []byte) ([]byte, error) {
	return append(b, m.Listing...), nil
}

func (m Handshake) appendPayload(b []byte) ([]byte, error) {
	b = append(b, m.DescriptorHash[:]...)
	return append(b, m.PeerID[:]...), nil
}

func (m AvailablePieces) appendPayload(b []byte) ([]byte, error) {
	if m.Pieces == nil {
		return b, nil
	}
	return append(b, m.Pieces.Bytes()...), nil
}

func (m DataRequest) appendPayload(b []byte) ([]byte, error) { return appendUint16(b, m.Index), nil }
func (m PieceUpdate) appendPayload(b []byte) ([]byte, error) { return appendUint16(b, m.Index), nil }

func (m DataPackage) appendPayload(b []byte) ([]byte, error) {
	b = appendUint16(b, m.Index)
	return append(b, m.Data...), nil
}

func (m AnnounceRequest) appendPayload(b []byte) ([]byte, error) {
	fd, err := m.Descriptor.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b = m.Peer.appendTo(b)
	return append(b, fd...), nil
}

func (m AnnounceReply) appendPayload(b []byte) ([]byte, error) {
	return append(b, boolByte(m.Accepted)), nil
}

func (m ConnectRequest) appendPayload(b []byte) ([]byte, error) {
	if err := validateName(m.FileName); err != nil {
		return nil, err
	}
	b = m.Peer.appendTo(b)
	b = append(b, m.FileName...)
	return append(b, '\n'), nil
}

func (m ConnectReply) appendPayload(b []byte) ([]byte, error) {
	b = append(b, boolByte(m.Found))
	if !m.Found {
		return b, nil
	}
	fd, err := m.Descriptor.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b = append(b, fd...)
	for _, p := range m.Peers {
		b = p.appendTo(b)
	}
	return b, nil
}

func (m Exit) appendPayload(b []byte) ([]byte, error)            { return append(b, m.PeerID[:]...), nil }
func (m RelayHandshake) appendPayload(b []byte) ([]byte, error)  { return appendIPv4(b, m.IP), nil }
func (m AllocateRequest) appendPayload(b []byte) ([]byte, error) { return append(b, m.PeerID[:]...), nil }
func (m AllocateReply) appendPayload(b []byte) ([]byte, error)   { return appendUint32(b, m.Port), nil }

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// Marshal encodes type tag and payload without a length prefix, the form used
// for tracker datagrams.
func Marshal(m Message) ([]byte, error) {
	b, err := m.appendPayload([]byte{byte(m.Type())})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return b, nil
}

// Frame encodes m for a stream transport: length, type, payload.
func Frame(m Message) ([]byte, error) {
	b, err := m.appendPayload([]byte{0, 0, 0, 0, byte(m.Type())})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	binary.BigEndian.PutUint32(b, uint32(len(b)))
	return b, nil
}

// FrameBody prefixes an already encoded type+payload with its length.
func FrameBody(body []byte) []byte {
	b := make([]byte, LengthSize+len(body))
	binary.BigEndian.PutUint32(b, uint32(len(b)))
	copy(b[LengthSize:], body)
	return b
}

// Unmarshal decodes a type tag and payload, as produced by Marshal or by
// stripping the length prefix from a frame.
func Unmarshal(body []byte) (Message, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	t := MessageType(body[0])
	d := &decoder{buf: body[1:]}
	var m Message
	switch t {
	case TypeDirectoryListingRequest:
		m = DirectoryListingRequest{}
	case TypeDirectoryListingReply:
		m = DirectoryListingReply{Listing: d.text("listing")}
	case TypeHandshake:
		m = Handshake{DescriptorHash: d.hash("descriptor hash"), PeerID: d.peerID("peer id")}
	case TypeAvailablePieces:
		m = AvailablePieces{Pieces: ParseBitmap(d.rest())}
	case TypeDataRequest:
		m = DataRequest{Index: d.uint16("piece index")}
	case TypeDataPackage:
		idx := d.uint16("piece index")
		data := d.rest()
		m = DataPackage{Index: idx, Data: append([]byte(nil), data...)}
	case TypePieceUpdate:
		m = PieceUpdate{Index: d.uint16("piece index")}
	case TypeAnnounceRequest:
		peer := d.peerAddress()
		m = AnnounceRequest{Peer: peer, Descriptor: d.descriptor()}
	case TypeAnnounceReply:
		m = AnnounceReply{Accepted: d.uint8("status") == 1}
	case TypeConnectRequest:
		peer := d.peerAddress()
		m = ConnectRequest{Peer: peer, FileName: d.line("file name")}
	case TypeConnectReply:
		m = decodeConnectReply(d)
	case TypeExit:
		m = Exit{PeerID: d.peerID("peer id")}
	case TypeRelayHandshake:
		m = RelayHandshake{IP: d.ipv4("relay ip")}
	case TypeAllocateRequest:
		m = AllocateRequest{PeerID: d.peerID("peer id")}
	case TypeAllocateReply:
		m = AllocateReply{Port: d.uint32("port")}
	case TypeExitPeer:
		m = ExitPeer{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, body[0])
	}
	if err := d.finish(t.String()); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeConnectReply(d *decoder) ConnectReply {
	var r ConnectReply
	r.Found = d.uint8("status") == 1
	if !r.Found {
		return r
	}
	r.Descriptor = d.descriptor()
	if d.err == nil && d.remaining()%PeerAddressSize != 0 {
		d.fail("peer list of %d bytes is not a multiple of %d", d.remaining(), PeerAddressSize)
		return r
	}
	for d.err == nil && d.remaining() > 0 {
		r.Peers = append(r.Peers, d.peerAddress())
	}
	return r
}
