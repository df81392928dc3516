package main

import (
	"time"

	"github.com/zsiec/usbtrace/internal/capture"
	"github.com/zsiec/usbtrace/internal/tic"
)

// maxChunk keeps each write within one SRT live-mode payload.
const maxChunk = 1316

// chunk is a byte range of the capture due at offset at from the start of
// the replay.
type chunk struct {
	start, end int
	at         time.Duration
}

// schedule splits data into chunks of at most size bytes on record
// boundaries. Each chunk is due when the capture clock reaches the tic of
// its first record, scaled by speed. Bytes that do not frame as records
// ride along with the chunk they follow. Speed 0 schedules every chunk at
// zero.
func schedule(data []byte, size int, speed float64) []chunk {
	var (
		out     []chunk
		first   tic.Tic
		haveTic bool
		cur     = chunk{}
	)
	due := func(t tic.Tic) time.Duration {
		if speed <= 0 {
			return 0
		}
		if !haveTic {
			first, haveTic = t, true
		}
		if t < first {
			return 0
		}
		return time.Duration(float64((t - first).Duration()) / speed)
	}

	for off := 0; off < len(data); {
		r, n, ok := capture.ParseRecord(data[off:])
		if !ok {
			n = 1
		}
		if cur.end > cur.start && (cur.end-cur.start+n > size || ok && due(r.Tic) > cur.at) {
			out = append(out, cur)
			cur = chunk{start: off, end: off, at: cur.at}
		}
		if ok && cur.end == cur.start {
			if at := due(r.Tic); at > cur.at {
				cur.at = at
			}
		}
		cur.end = off + n
		off += n
	}
	if cur.end > cur.start {
		out = append(out, cur)
	}
	return out
}
