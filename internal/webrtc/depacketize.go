package webrtc

import "github.com/pion/rtp"

const (
	naluTypeSTAPA = 24
	naluTypeFUA   = 28
)

// H264Depacketizer extracts NAL units from RTP H264 payloads. It keeps FU-A
// reassembly state per instance, so every received track needs its own.
type H264Depacketizer struct {
	fuaBuf     []byte
	inFragment bool
	lastSeq    uint16
}

// NewH264Depacketizer creates a depacketizer with an empty reassembly buffer.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Push depacketizes one RTP packet.
func (d *H264Depacketizer) Push(pkt *rtp.Packet) [][]byte {
	return d.Depacketize(pkt.SequenceNumber, pkt.Payload)
}

// Depacketize extracts NAL units from the payload of the RTP packet with
// sequence number seq. Single NAL, STAP-A and FU-A packets are handled; a
// sequence gap inside an FU-A chain drops the whole chain.
func (d *H264Depacketizer) Depacketize(seq uint16, payload []byte) [][]byte {
	if len(payload) < 1 {
		return nil
	}

	naluType := payload[0] & 0x1f

	switch {
	case naluType >= 1 && naluType <= 23:
		return [][]byte{payload}

	case naluType == naluTypeSTAPA:
		return d.depacketizeSTAPA(payload)

	case naluType == naluTypeFUA:
		return d.depacketizeFUA(seq, payload)

	default:
		return nil
	}
}

func (d *H264Depacketizer) depacketizeSTAPA(payload []byte) [][]byte {
	var nalus [][]byte
	offset := 1 // skip STAP-A header byte

	for offset+2 <= len(payload) {
		size := int(payload[offset])<<8 | int(payload[offset+1])
		offset += 2
		if size == 0 || offset+size > len(payload) {
			break
		}
		nalus = append(nalus, payload[offset:offset+size])
		offset += size
	}
	return nalus
}

func (d *H264Depacketizer) depacketizeFUA(seq uint16, payload []byte) [][]byte {
	if len(payload) < 2 {
		return nil
	}

	fnri := payload[0] & 0xe0 // F + NRI bits from FU indicator
	fuHeader := payload[1]
	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & 0x1f

	switch {
	case start:
		// Reconstruct NAL header: F+NRI from FU indicator + type from FU header
		d.fuaBuf = append([]byte{fnri | naluType}, payload[2:]...)
		d.inFragment = true
	case !d.inFragment || seq != d.lastSeq+1:
		d.reset()
		return nil
	default:
		d.fuaBuf = append(d.fuaBuf, payload[2:]...)
	}
	d.lastSeq = seq

	if end {
		nalu := d.fuaBuf
		d.reset()
		return [][]byte{nalu}
	}
	return nil
}

func (d *H264Depacketizer) reset() {
	d.fuaBuf = nil
	d.inFragment = false
}
