package call

// Minimal WebM writer for call recordings: one Opus track per recorded
// party, a streaming Segment of unknown size, and one Cluster per flush.

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
	"sync"
)

// EBML element ids
var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idTrackName    = []byte{0x53, 0x6E}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// unknown size marker for the streaming Segment
var ebmlUnknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

const maxBlockOffsetMs = math.MaxInt16

// opusHead for 48 kHz stereo, pre-skip 312.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,
	0x02,
	0x38, 0x01,
	0x80, 0xBB, 0x00, 0x00,
	0x00, 0x00,
	0x00,
}

func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	case v < 0x0FFFFFFF:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, v)
		b[0] = 0x01
		return b
	}
}

func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlFloat(v float32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, math.Float32bits(v))
	return b
}

func ebmlConcat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

// webmInitSegment returns the EBML header, the Segment start, Info and one
// Opus track entry per name. Track numbers start at 1.
func webmInitSegment(trackNames []string) []byte {
	var buf bytes.Buffer

	buf.Write(ebmlElem(idEBML, ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)))

	buf.Write(idSegment)
	buf.Write(ebmlUnknownSize)

	buf.Write(ebmlElem(idInfo, ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)),
		ebmlElem(idMuxApp, []byte("teleconsult")),
		ebmlElem(idWrtApp, []byte("teleconsult")),
	)))

	var tracks []byte
	for i, name := range trackNames {
		n := uint64(i + 1)
		entry := ebmlConcat(
			ebmlElem(idTrackNum, ebmlUint(n)),
			ebmlElem(idTrackUID, ebmlUint(n)),
			ebmlElem(idTrackType, ebmlUint(2)),
			ebmlElem(idTrackName, []byte(name)),
			ebmlElem(idCodecID, []byte("A_OPUS")),
			ebmlElem(idCodecPrv, opusHead),
			ebmlElem(idAudio, ebmlConcat(
				ebmlElem(idSampFreq, ebmlFloat(48000)),
				ebmlElem(idChannels, ebmlUint(2)),
			)),
		)
		tracks = append(tracks, ebmlElem(idTrackEntry, entry)...)
	}
	buf.Write(ebmlElem(idTracks, tracks))

	return buf.Bytes()
}

func webmSimpleBlock(track int, relMs int16, data []byte) []byte {
	trackVint := ebmlVint(uint64(track))
	content := make([]byte, len(trackVint)+3+len(data))
	copy(content, trackVint)
	binary.BigEndian.PutUint16(content[len(trackVint):], uint16(relMs))
	// audio frames are all keyframes
	content[len(trackVint)+2] = 0x80
	copy(content[len(trackVint)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

type webmBlock struct {
	track int
	ms    int64
	data  []byte
}

// webmMuxer buffers audio frames from several goroutines and turns them
// into clusters on flush.
type webmMuxer struct {
	mu      sync.Mutex
	pending []webmBlock
}

func (m *webmMuxer) add(track int, ms int64, data []byte) {
	m.mu.Lock()
	m.pending = append(m.pending, webmBlock{track: track, ms: ms, data: bytes.Clone(data)})
	m.mu.Unlock()
}

// flush returns the buffered frames as one or more clusters, or nil when
// nothing arrived since the last flush.
func (m *webmMuxer) flush() []byte {
	m.mu.Lock()
	blocks := m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(blocks) == 0 {
		return nil
	}
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].ms < blocks[j].ms })

	var out []byte
	for len(blocks) > 0 {
		base := blocks[0].ms
		body := ebmlElem(idTimecode, ebmlUint(uint64(base)))
		n := 0
		for n < len(blocks) && blocks[n].ms-base <= maxBlockOffsetMs {
			b := blocks[n]
			body = append(body, webmSimpleBlock(b.track, int16(b.ms-base), b.data)...)
			n++
		}
		out = append(out, ebmlElem(idCluster, body)...)
		blocks = blocks[n:]
	}
	return out
}
