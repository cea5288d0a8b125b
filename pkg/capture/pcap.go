package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"slices"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	snapLen      = 65536
	segmentSize  = 1460
	clientPortLo = 40000
)

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	clientIP  = net.IPv4(10, 0, 0, 1).To4()
)

// Frame is a TCP segment decoded from a pcap file.
type Frame struct {
	Timestamp time.Time
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   uint16
	DstPort   uint16
	Payload   []byte
}

type frame struct {
	ts   time.Time
	data []byte
}

// tcpFlow tracks sequence numbers for one synthesized connection.
type tcpFlow struct {
	localPort  uint16
	remotePort uint16
	remoteIP   net.IP
	seqOut     uint32
	seqIn      uint32
}

// WritePcap renders captured traffic as Ethernet/IPv4/TCP frames so it can
// be inspected with standard tools. Payloads larger than one segment are
// split. Remote addresses that are not IPv4 literals are mapped into
// 198.18.0.0/15.
func WritePcap(w io.Writer, traffic map[ConnKey][]Packet) error {
	pcapWriter := pcapgo.NewWriter(w)
	if err := pcapWriter.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("failed to write pcap header: %w", err)
	}

	conns := make([]ConnKey, 0, len(traffic))
	for k := range traffic {
		conns = append(conns, k)
	}
	slices.SortFunc(conns, func(a, b ConnKey) int {
		switch {
		case a.ConnID < b.ConnID:
			return -1
		case a.ConnID > b.ConnID:
			return 1
		}
		return 0
	})

	var frames []frame
	for i, conn := range conns {
		flow := &tcpFlow{
			localPort:  uint16(clientPortLo + i%20000),
			remotePort: uint16(conn.Target.Port),
			remoteIP:   remoteAddr(conn.Target.Host),
			seqOut:     1,
			seqIn:      1,
		}
		for _, p := range traffic[conn] {
			for off := 0; off < len(p.Payload); off += segmentSize {
				end := min(off+segmentSize, len(p.Payload))
				data, err := flow.segment(p.Sent, p.Payload[off:end])
				if err != nil {
					return err
				}
				frames = append(frames, frame{ts: p.Timestamp, data: data})
			}
		}
	}

	slices.SortStableFunc(frames, func(a, b frame) int { return a.ts.Compare(b.ts) })
	for _, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: f.ts, CaptureLength: len(f.data), Length: len(f.data)}
		if err := pcapWriter.WritePacket(ci, f.data); err != nil {
			return fmt.Errorf("failed to write pcap packet: %w", err)
		}
	}
	return nil
}

func (f *tcpFlow) segment(sent bool, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP}
	tcp := &layers.TCP{PSH: true, ACK: true, Window: 65535}

	if sent {
		eth.SrcMAC, eth.DstMAC = clientMAC, serverMAC
		ip.SrcIP, ip.DstIP = clientIP, f.remoteIP
		tcp.SrcPort, tcp.DstPort = layers.TCPPort(f.localPort), layers.TCPPort(f.remotePort)
		tcp.Seq, tcp.Ack = f.seqOut, f.seqIn
		f.seqOut += uint32(len(payload))
	} else {
		eth.SrcMAC, eth.DstMAC = serverMAC, clientMAC
		ip.SrcIP, ip.DstIP = f.remoteIP, clientIP
		tcp.SrcPort, tcp.DstPort = layers.TCPPort(f.remotePort), layers.TCPPort(f.localPort)
		tcp.Seq, tcp.Ack = f.seqIn, f.seqOut
		f.seqIn += uint32(len(payload))
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("failed to set checksum layer: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize segment: %w", err)
	}
	return buf.Bytes(), nil
}

func remoteAddr(host string) net.IP {
	if ip := net.ParseIP(host).To4(); ip != nil {
		return ip
	}
	hasher := fnv.New32a()
	hasher.Write([]byte(host))
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, 198<<24|18<<16|hasher.Sum32()&0x1ffff)
	return ip
}

// ReadPcap decodes every TCP segment with payload from a pcap stream.
func ReadPcap(r io.Reader) ([]Frame, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap stream: %w", err)
	}
	var frames []Frame
	for {
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("failed to read pcap packet: %w", err)
		}
		f, err := ParseFrame(data, ci.Timestamp)
		if err != nil {
			continue
		}
		frames = append(frames, f)
	}
}

// ParseFrame decodes an Ethernet frame carrying IPv4 and TCP.
func ParseFrame(data []byte, ts time.Time) (Frame, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)

	f := Frame{Timestamp: ts}
	l := packet.Layer(layers.LayerTypeIPv4)
	if l == nil {
		return f, fmt.Errorf("not an IPv4 packet")
	}
	ip := l.(*layers.IPv4)
	f.SrcIP, f.DstIP = ip.SrcIP, ip.DstIP

	l = packet.Layer(layers.LayerTypeTCP)
	if l == nil {
		return f, fmt.Errorf("not a TCP packet")
	}
	tcp := l.(*layers.TCP)
	f.SrcPort, f.DstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
	f.Payload = tcp.Payload
	return f, nil
}
