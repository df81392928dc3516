package hook

import (
	"fmt"
	"os"
)

// Dump appends every payload it receives to a file, which is useful for
// reconstructing transferred files.
type Dump struct {
	f *os.File
}

// NewDump creates or truncates path.
func NewDump(path string) (*Dump, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("dump hook: %w", err)
	}
	return &Dump{f: f}, nil
}

// Push writes data.
func (d *Dump) Push(_ string, _, _ uint8, data []byte) error {
	_, err := d.f.Write(data)
	return err
}

// Stop closes the file.
func (d *Dump) Stop() error {
	return d.f.Close()
}
