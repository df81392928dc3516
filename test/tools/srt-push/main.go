// Command srt-push replays capture files to a usbtrace server over SRT,
// pacing records by their capture timestamps.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	srt "github.com/zsiec/srtgo"
)

func main() {
	keyFlag := flag.String("key", "", "Capture key (default: filename without extension)")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT server address")
	speedFlag := flag.Float64("speed", 1, "Replay speed multiplier; 0 sends as fast as possible")
	loopFlag := flag.Bool("loop", false, "Restart from the beginning after the last record")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  srt-push [--key k] [--addr host:port] [--speed 2] capture.bin...\n")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	for _, path := range flag.Args() {
		key := *keyFlag
		if key == "" || flag.NArg() > 1 {
			base := filepath.Base(path)
			key = strings.TrimSuffix(base, filepath.Ext(base))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pushSingle(path, "capture/"+key, *addrFlag, *speedFlag, *loopFlag)
		}()
		time.Sleep(200 * time.Millisecond)
	}
	wg.Wait()
}

func pushSingle(filePath, streamID, addr string, speed float64, loop bool) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read file: %v\n", err)
		return
	}

	chunks := schedule(data, maxChunk, speed)
	var span time.Duration
	if len(chunks) > 0 {
		span = chunks[len(chunks)-1].at
	}
	fmt.Printf("File: %s (%d bytes, %d chunks, %s)\n", filePath, len(data), len(chunks), span)

	for {
		fmt.Printf("[%s] Connecting to SRT %s...\n", streamID, addr)

		cfg := srt.DefaultConfig()
		cfg.StreamID = streamID

		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] SRT connect failed: %v, retrying...\n", streamID, err)
			time.Sleep(time.Second)
			continue
		}

		fmt.Printf("[%s] Connected\n", streamID)
		writeErr := sendLoop(conn, data, chunks, streamID, loop)
		conn.Close()

		if writeErr == nil {
			fmt.Printf("[%s] Capture sent\n", streamID)
			return
		}
		fmt.Fprintf(os.Stderr, "[%s] Connection lost: %v, reconnecting...\n", streamID, writeErr)
		time.Sleep(time.Second)
	}
}

func sendLoop(conn *srt.Conn, data []byte, chunks []chunk, streamID string, loop bool) error {
	var totalBytesSent int64
	for pass := 1; ; pass++ {
		if pass > 1 {
			fmt.Printf("[%s] Pass %d complete, restarting (total sent: %.1f MB)\n",
				streamID, pass-1, float64(totalBytesSent)/(1024*1024))
		}
		start := time.Now()
		for _, c := range chunks {
			if wait := c.at - time.Since(start); wait > 0 {
				time.Sleep(wait)
			}
			if _, err := conn.Write(data[c.start:c.end]); err != nil {
				return err
			}
			totalBytesSent += int64(c.end - c.start)
		}
		if !loop {
			return nil
		}
	}
}
