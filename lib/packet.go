package lib

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

// Segment is one TCP segment. Outbound segments carry their bytes in a
// pool chunk and are owned by exactly one of the partial slot, the write
// queue or the retransmit queue. Inbound segments own the slice the
// network handed over and end up in the receive queue.
type Segment struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            uint8
	Window           uint16
	Urgent           uint16
	MSS              uint16 // MSS option, 0 when absent
	Payload          []byte

	chunk  *rp.Element
	sentAt time.Time // first transmission, zero until sent
	xmits  int       // number of transmissions
}

func (s *Segment) has(flag uint8) bool { return s.Flags&flag != 0 }

// Len is the payload length.
func (s *Segment) Len() int { return len(s.Payload) }

// SeqLen is the sequence space the segment occupies: payload plus SYN and FIN.
func (s *Segment) SeqLen() uint32 {
	n := uint32(len(s.Payload))
	if s.has(SYNFlag) {
		n++
	}
	if s.has(FINFlag) {
		n++
	}
	return n
}

// End is the sequence number following the segment.
func (s *Segment) End() uint32 { return s.Seq + s.SeqLen() }

// appendPayload grows an outbound segment inside its chunk.
func (s *Segment) appendPayload(b []byte) int {
	pl := s.chunk.Data.(*Payload)
	n := pl.Append(b)
	s.Payload = pl.GetSlice()
	return n
}

func (s *Segment) String() string {
	return fmt.Sprintf("seq=%d ack=%d flags=%s win=%d urg=%d len=%d", s.Seq, s.Ack, flagString(s.Flags), s.Window, s.Urgent, len(s.Payload))
}

func flagString(f uint8) string {
	names := []struct {
		bit  uint8
		name byte
	}{{SYNFlag, 'S'}, {FINFlag, 'F'}, {RSTFlag, 'R'}, {PSHFlag, 'P'}, {ACKFlag, '.'}, {URGFlag, 'U'}}
	out := make([]byte, 0, len(names))
	for _, n := range names {
		if f&n.bit != 0 {
			out = append(out, n.name)
		}
	}
	return string(out)
}

func checksumLayer(src, dst netip.Addr) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
		Protocol: layers.IPProtocolTCP,
	}
}

// Marshal serializes the segment into a fresh buffer, computing the
// checksum over the IPv4 pseudo header.
func (s *Segment) Marshal(src, dst netip.Addr) ([]byte, error) {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.SrcPort),
		DstPort: layers.TCPPort(s.DstPort),
		Seq:     s.Seq,
		Ack:     s.Ack,
		FIN:     s.has(FINFlag),
		SYN:     s.has(SYNFlag),
		RST:     s.has(RSTFlag),
		PSH:     s.has(PSHFlag),
		ACK:     s.has(ACKFlag),
		URG:     s.has(URGFlag),
		Window:  s.Window,
		Urgent:  s.Urgent,
	}
	if s.MSS != 0 {
		mss := make([]byte, 2)
		binary.BigEndian.PutUint16(mss, s.MSS)
		tcp.Options = []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   mss,
		}}
	}
	if err := tcp.SetNetworkLayerForChecksum(checksumLayer(src, dst)); err != nil {
		return nil, errors.Wrap(err, "segment marshal")
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, tcp, gopacket.Payload(s.Payload)); err != nil {
		return nil, errors.Wrap(err, "segment marshal")
	}
	return buf.Bytes(), nil
}

// UnmarshalSegment decodes a segment received from src for dst and checks
// its checksum. The payload aliases data.
func UnmarshalSegment(data []byte, src, dst netip.Addr) (*Segment, error) {
	tcp := &layers.TCP{}
	if err := tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, errors.Wrap(err, "segment unmarshal")
	}
	if err := tcp.SetNetworkLayerForChecksum(checksumLayer(src, dst)); err != nil {
		return nil, errors.Wrap(err, "segment unmarshal")
	}
	csum, err := tcp.ComputeChecksum()
	if err != nil {
		return nil, errors.Wrap(err, "segment unmarshal")
	}
	if csum != 0 {
		return nil, errBadChecksum
	}

	s := &Segment{
		SrcPort: uint16(tcp.SrcPort),
		DstPort: uint16(tcp.DstPort),
		Seq:     tcp.Seq,
		Ack:     tcp.Ack,
		Window:  tcp.Window,
		Urgent:  tcp.Urgent,
	}
	for _, f := range []struct {
		set  bool
		flag uint8
	}{{tcp.FIN, FINFlag}, {tcp.SYN, SYNFlag}, {tcp.RST, RSTFlag}, {tcp.PSH, PSHFlag}, {tcp.ACK, ACKFlag}, {tcp.URG, URGFlag}} {
		if f.set {
			s.Flags |= f.flag
		}
	}
	for _, o := range tcp.Options {
		if o.OptionType == layers.TCPOptionKindMSS && len(o.OptionData) == 2 {
			s.MSS = binary.BigEndian.Uint16(o.OptionData)
		}
	}
	if len(tcp.Payload) > 0 {
		s.Payload = tcp.Payload
	}
	return s, nil
}

var errBadChecksum = errors.New("bad segment checksum")
