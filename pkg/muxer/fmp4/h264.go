package fmp4

import (
	"encoding/binary"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// annexBToAVCC re-frames an Annex-B access unit as length-prefixed NAL
// units, the framing MP4 requires.
func annexBToAVCC(au []byte) ([]byte, error) {
	var nalus h264.AnnexB
	if err := nalus.Unmarshal(au); err != nil {
		return nil, fmt.Errorf("parse access unit: %w", err)
	}

	size := 0
	for _, nalu := range nalus {
		size += 4 + len(nalu)
	}
	out := make([]byte, 0, size)
	for _, nalu := range nalus {
		out = binary.BigEndian.AppendUint32(out, uint32(len(nalu)))
		out = append(out, nalu...)
	}
	return out, nil
}

// prependParameterSets adds SPS and PPS NAL units in front of an AVCC access
// unit so keyframes decode without the init segment.
func prependParameterSets(avcc, sps, pps []byte) []byte {
	if len(avcc) == 0 || len(sps) == 0 || len(pps) == 0 {
		return avcc
	}
	out := make([]byte, 0, 4+len(sps)+4+len(pps)+len(avcc))
	out = binary.BigEndian.AppendUint32(out, uint32(len(sps)))
	out = append(out, sps...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(pps)))
	out = append(out, pps...)
	return append(out, avcc...)
}

// stripADTS removes the transport header from an ADTS-framed AAC frame.
// Raw AAC passes through untouched.
func stripADTS(data []byte) ([]byte, error) {
	if len(data) < 7 || data[0] != 0xFF || data[1]&0xF0 != 0xF0 {
		return data, nil
	}
	headerLen := 7
	if data[1]&0x01 == 0 { // CRC present.
		headerLen = 9
	}
	if len(data) <= headerLen {
		return nil, fmt.Errorf("%w: truncated adts frame", ErrBadSample)
	}
	return data[headerLen:], nil
}
