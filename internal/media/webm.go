package media

// Minimal EBML/WebM muxer for the live remote-preview stream. The output is
// an init segment (EBML header + Segment + Info + Tracks) followed by
// self-contained clusters, the shape MSE-based viewers expect. VP8 video on
// track 1, Opus audio on track 2.

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"

	"github.com/rs/zerolog/log"
)

// ebmlVint encodes v as an EBML variable-length integer for element sizes.
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlUnkSize marks a streaming Segment whose length is unknown at write
// time.
var ebmlUnkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

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

func ebmlConcat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

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
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// opusHead is the OpusHead codec private data for mono 48 kHz, required by
// WebM for Opus tracks.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,
	0x01,
	0x38, 0x01,
	0x80, 0xBB, 0x00, 0x00,
	0x00, 0x00,
	0x00,
}

func webmInitSegment(videoW, videoH uint16, withAudio bool) []byte {
	var buf bytes.Buffer

	ebmlBody := ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)
	buf.Write(ebmlElem(idEBML, ebmlBody))

	buf.Write(idSegment)
	buf.Write(ebmlUnkSize)

	infoBody := ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)), // 1 ms per timecode unit
		ebmlElem(idMuxApp, []byte("telecall")),
		ebmlElem(idWrtApp, []byte("telecall")),
	)
	buf.Write(ebmlElem(idInfo, infoBody))

	videoBody := ebmlConcat(
		ebmlElem(idPixelW, ebmlUint(uint64(videoW))),
		ebmlElem(idPixelH, ebmlUint(uint64(videoH))),
	)
	videoEntry := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(1)),
		ebmlElem(idTrackUID, ebmlUint(1)),
		ebmlElem(idTrackType, ebmlUint(1)),
		ebmlElem(idCodecID, []byte("V_VP8")),
		ebmlElem(idVideo, videoBody),
	)
	tracksBody := ebmlElem(idTrackEntry, videoEntry)

	if withAudio {
		freqBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(freqBytes, math.Float32bits(48000.0))
		audioBody := ebmlConcat(
			ebmlElem(idSampFreq, freqBytes),
			ebmlElem(idChannels, ebmlUint(1)),
		)
		audioEntry := ebmlConcat(
			ebmlElem(idTrackNum, ebmlUint(2)),
			ebmlElem(idTrackUID, ebmlUint(2)),
			ebmlElem(idTrackType, ebmlUint(2)),
			ebmlElem(idCodecID, []byte("A_OPUS")),
			ebmlElem(idCodecPrv, opusHead),
			ebmlElem(idAudio, audioBody),
		)
		tracksBody = ebmlConcat(tracksBody, ebmlElem(idTrackEntry, audioEntry))
	}
	buf.Write(ebmlElem(idTracks, tracksBody))
	return buf.Bytes()
}

// webmCluster builds a complete Cluster with a known size so viewers do not
// have to scan for the next cluster start.
func webmCluster(clusterMs int64, blocks []byte) []byte {
	tcElem := ebmlElem(idTimecode, ebmlUint(uint64(clusterMs)))
	return ebmlElem(idCluster, ebmlConcat(tcElem, blocks))
}

// webmSimpleBlock encodes one SimpleBlock. relMs is the timecode relative
// to the cluster start.
func webmSimpleBlock(trackNum int, relMs int16, keyframe bool, data []byte) []byte {
	trackVint := ebmlVint(uint64(trackNum))
	var flags byte
	if keyframe {
		flags = 0x80
	}
	content := make([]byte, len(trackVint)+2+1+len(data))
	copy(content, trackVint)
	binary.BigEndian.PutUint16(content[len(trackVint):], uint16(relMs))
	content[len(trackVint)+2] = flags
	copy(content[len(trackVint)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

// WebMStream muxes assembled remote frames into a live WebM stream for
// preview subscribers. Frame producers call PushVideoFrame/PushAudioFrame;
// viewers subscribe and receive the init segment, the most recent keyframe
// cluster, then live clusters.
type WebMStream struct {
	mu     sync.Mutex
	callID string

	dimKnown    bool
	videoWidth  uint16
	videoHeight uint16
	hasAudio    bool

	initSeg []byte

	// Replayed to new subscribers so they decode from a clean reference
	// frame instead of garbling on mid-stream delta frames.
	lastKeyCluster []byte
	clusterIsKey   bool

	clusterStartMs int64
	clusterBlocks  bytes.Buffer
	clusterOpen    bool

	// Audio frames queued between video frames; drained into the next
	// video cluster so every cluster carries both tracks.
	audioQ []webmAudioFrame

	subs map[chan []byte]struct{}

	// First frame of each track becomes t=0. VP8 and Opus RTP clocks start
	// at independent random offsets.
	baseVideoMs  int64
	baseVideoSet bool
	baseAudioMs  int64
	baseAudioSet bool
}

type webmAudioFrame struct {
	timecodeMs int64
	data       []byte
}

// NewWebMStream creates an empty stream for one call.
func NewWebMStream(callID string) *WebMStream {
	return &WebMStream{
		callID: callID,
		subs:   make(map[chan []byte]struct{}),
	}
}

// EnableAudio announces that an audio track will be present. Must be called
// before the first video frame.
func (ws *WebMStream) EnableAudio() {
	ws.mu.Lock()
	ws.hasAudio = true
	ws.mu.Unlock()
}

// Ready reports whether the init segment exists, which requires the first
// VP8 keyframe and its dimensions.
func (ws *WebMStream) Ready() bool {
	ws.mu.Lock()
	ok := ws.initSeg != nil
	ws.mu.Unlock()
	return ok
}

// Subscribe returns a channel of binary WebM messages and a cancel func.
// The init segment and last keyframe cluster are delivered first when
// available.
func (ws *WebMStream) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	ws.mu.Lock()
	if ws.initSeg != nil {
		select {
		case ch <- ws.initSeg:
		default:
		}
		if ws.lastKeyCluster != nil {
			select {
			case ch <- ws.lastKeyCluster:
			default:
			}
		}
	}
	ws.subs[ch] = struct{}{}
	n := len(ws.subs)
	ws.mu.Unlock()
	log.Debug().Str("call", ws.callID).Int("subscribers", n).Msg("preview subscriber added")
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			ws.mu.Lock()
			delete(ws.subs, ch)
			ws.mu.Unlock()
			close(ch)
		})
	}
}

// PushVideoFrame accepts one assembled VP8 frame. One cluster per frame,
// flushed immediately, with any queued audio drained in first.
func (ws *WebMStream) PushVideoFrame(timecodeMs int64, keyframe bool, data []byte) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if !ws.baseVideoSet {
		ws.baseVideoMs = timecodeMs
		ws.baseVideoSet = true
	}
	tsMs := timecodeMs - ws.baseVideoMs

	// Dimensions come from the first keyframe's VP8 header.
	if !ws.dimKnown && keyframe && len(data) >= 10 {
		if data[3] == 0x9D && data[4] == 0x01 && data[5] == 0x2A {
			ws.videoWidth = binary.LittleEndian.Uint16(data[6:8]) & 0x3FFF
			ws.videoHeight = binary.LittleEndian.Uint16(data[8:10]) & 0x3FFF
		} else {
			ws.videoWidth = 640
			ws.videoHeight = 480
		}
		ws.dimKnown = true
	}

	if ws.initSeg == nil {
		if !ws.dimKnown || !keyframe {
			return
		}
		ws.initSeg = webmInitSegment(ws.videoWidth, ws.videoHeight, ws.hasAudio)
		log.Debug().Str("call", ws.callID).
			Uint16("width", ws.videoWidth).Uint16("height", ws.videoHeight).
			Bool("audio", ws.hasAudio).Msg("webm init segment")
		ws.broadcastLocked(ws.initSeg)
	}

	if keyframe && ws.clusterOpen {
		ws.flushClusterLocked()
	}

	if !ws.clusterOpen {
		// Anchor the cluster at the earliest queued audio frame so audio
		// blocks keep non-negative relative timecodes.
		ws.clusterStartMs = tsMs
		if len(ws.audioQ) > 0 && ws.audioQ[0].timecodeMs < tsMs {
			ws.clusterStartMs = ws.audioQ[0].timecodeMs
		}
		ws.clusterOpen = true
		ws.clusterIsKey = keyframe
		ws.clusterBlocks.Reset()

		newQ := ws.audioQ[:0]
		for _, af := range ws.audioQ {
			rel := af.timecodeMs - ws.clusterStartMs
			if rel < -30000 || rel > 30000 {
				continue
			}
			ws.clusterBlocks.Write(webmSimpleBlock(2, int16(rel), false, af.data))
		}
		ws.audioQ = newQ
	}

	relMs := int16(tsMs - ws.clusterStartMs)
	ws.clusterBlocks.Write(webmSimpleBlock(1, relMs, keyframe, data))
	ws.flushClusterLocked()
}

// PushAudioFrame queues one Opus frame until the next video frame opens a
// cluster and drains it. Unbounded so audio survives any video frame rate.
func (ws *WebMStream) PushAudioFrame(timecodeMs int64, data []byte) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if !ws.baseAudioSet {
		ws.baseAudioMs = timecodeMs
		ws.baseAudioSet = true
	}
	ws.audioQ = append(ws.audioQ, webmAudioFrame{timecodeMs - ws.baseAudioMs, data})
}

func (ws *WebMStream) flushClusterLocked() {
	if !ws.clusterOpen || ws.clusterBlocks.Len() == 0 {
		ws.clusterOpen = false
		return
	}
	cluster := webmCluster(ws.clusterStartMs, ws.clusterBlocks.Bytes())
	if ws.clusterIsKey {
		ws.lastKeyCluster = cluster
	}
	ws.clusterOpen = false
	ws.clusterIsKey = false
	ws.clusterBlocks.Reset()
	ws.broadcastLocked(cluster)
}

// broadcastLocked drops messages for slow subscribers rather than blocking
// the media path.
func (ws *WebMStream) broadcastLocked(data []byte) {
	for ch := range ws.subs {
		select {
		case ch <- data:
		default:
		}
	}
}
