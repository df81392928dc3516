// Command gen-captures writes synthetic analyzer captures under
// test/captures for exercising the decoder and the SRT ingest path.
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

type CaptureConfig struct {
	Number      int    `json:"number"`
	Key         string `json:"key"`
	Description string `json:"description"`
	Records     int    `json:"records"`
	Bytes       int    `json:"bytes"`
}

type Manifest struct {
	Generated string          `json:"generated"`
	Captures  []CaptureConfig `json:"captures"`
}

func main() {
	rng := rand.New(rand.NewSource(42))

	capturesDir := filepath.Join(findProjectRoot(), "test", "captures")
	if err := os.MkdirAll(capturesDir, 0755); err != nil {
		fatal("create captures dir: %v", err)
	}

	fmt.Println("=== usbtrace Capture Generator ===")
	fmt.Printf("Generating %d captures\n\n", len(scenarios))

	var m Manifest
	for i, sc := range scenarios {
		b := newBuilder(rng)
		sc.build(b)
		data := b.finish()

		outFile := filepath.Join(capturesDir, fmt.Sprintf("capture_%d.bin", i+1))
		if err := os.WriteFile(outFile, data, 0644); err != nil {
			fatal("write %s: %v", outFile, err)
		}
		fmt.Printf("  %d: %-12s %6d records %8d bytes  %s\n", i+1, sc.key, b.records, len(data), sc.description)

		m.Captures = append(m.Captures, CaptureConfig{
			Number:      i + 1,
			Key:         sc.key,
			Description: sc.description,
			Records:     b.records,
			Bytes:       len(data),
		})
	}

	m.Generated = time.Now().UTC().Format(time.RFC3339)
	manifestFile := filepath.Join(capturesDir, "manifest.json")
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		fatal("encode manifest: %v", err)
	}
	if err := os.WriteFile(manifestFile, data, 0644); err != nil {
		fatal("write manifest: %v", err)
	}
	fmt.Printf("\nManifest: %s\n", manifestFile)
}

func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		fatal("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "."
		}
		dir = parent
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FATAL: "+format+"\n", args...)
	os.Exit(1)
}
