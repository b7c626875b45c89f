// ardpsniff captures UDP datagrams on a given port and decodes the ARDP
// headers inside them: flags, sequence numbers, window and the EACK
// bitmask. Handy when staring at a misbehaving link.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/Clouded-Sabre/ardp/lib"
)

var (
	iface string
	port  int
)

func init() {
	flag.StringVar(&iface, "i", "lo", "Interface to capture on")
	flag.IntVar(&port, "port", 9700, "UDP port carrying ARDP traffic")
	flag.Parse()
}

func main() {
	handle, err := pcap.OpenLive(iface, 65536, true, pcap.BlockForever)
	if err != nil {
		log.Fatalln("Capture open error:", err)
	}
	defer handle.Close()

	filter := fmt.Sprintf("udp port %d", port)
	if err := handle.SetBPFFilter(filter); err != nil {
		log.Fatalln("BPF filter error:", err)
	}
	log.Printf("Capturing on %s, filter %q\n", iface, filter)

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range source.Packets() {
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp := udpLayer.(*layers.UDP)
		printSegment(udp.Payload)
	}
}

func flagString(flags uint8) string {
	var parts []string
	if flags&lib.FlagSYN != 0 {
		parts = append(parts, "SYN")
	}
	if flags&lib.FlagACK != 0 {
		parts = append(parts, "ACK")
	}
	if flags&lib.FlagEACK != 0 {
		parts = append(parts, "EACK")
	}
	if flags&lib.FlagRST != 0 {
		parts = append(parts, "RST")
	}
	if flags&lib.FlagNUL != 0 {
		parts = append(parts, "NUL")
	}
	if flags&lib.FlagFRAG != 0 {
		parts = append(parts, "FRAG")
	}
	if flags&lib.FlagVER != 0 {
		parts = append(parts, "VER")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

func printSegment(payload []byte) {
	if len(payload) < lib.FixedHdrLen {
		fmt.Printf("short datagram (%d bytes)\n", len(payload))
		return
	}

	if payload[0]&lib.FlagSYN != 0 {
		var ss lib.SynSegment
		if err := ss.Unmarshal(payload); err != nil {
			fmt.Println("bad SYN:", err)
			return
		}
		fmt.Printf("[%s] %d->%d seq=%d ack=%d segmax=%d segbmax=%d window=%d dlen=%d\n",
			flagString(ss.Flags), ss.Src, ss.Dst, ss.Seq, ss.Ack, ss.SegMax, ss.SegBMax, ss.Window, ss.DLen)
		return
	}

	var hdr lib.Header
	if err := hdr.Unmarshal(payload); err != nil {
		fmt.Println("bad header:", err)
		return
	}
	fmt.Printf("[%s] %d->%d seq=%d ack=%d dlen=%d window=%d ttl=%d som=%d fcnt=%d",
		flagString(hdr.Flags), hdr.Src, hdr.Dst, hdr.Seq, hdr.Ack, hdr.DLen, hdr.Window, hdr.TTL, hdr.SOM, hdr.FCnt)

	if hdr.Flags&lib.FlagEACK != 0 {
		hdrLen := int(hdr.HLen) * 2
		if hdrLen > lib.FixedHdrLen && len(payload) >= hdrLen {
			fmt.Printf(" mask=")
			for off := lib.FixedHdrLen; off+4 <= hdrLen; off += 4 {
				fmt.Printf("%08x", binary.BigEndian.Uint32(payload[off:off+4]))
			}
		}
	}
	fmt.Println()
}
