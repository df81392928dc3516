package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/usbtrace/internal/certs"
)

// Hook types accepted in a configuration file.
const (
	TypeDump   = "dump"
	TypeTCP    = "tcp"
	TypeUDP    = "udp"
	TypeQUIC   = "quic"
	TypeSQLite = "sqlite"
)

// Config is the hooks file.
//
//	hooks:
//	  - name: firmware
//	    type: dump
//	    path: firmware.bin
//	    pipes: ["3.2"]
//	  - type: quic
//	    address: 10.0.0.5:4450
//	    fingerprint: <base64 sha-256>
//	    pipes: ["3.1", "3.2"]
type Config struct {
	Hooks []Spec `yaml:"hooks"`
}

// Spec describes one hook.
type Spec struct {
	Name        string        `yaml:"name,omitempty"`
	Type        string        `yaml:"type"`
	Path        string        `yaml:"path,omitempty"`
	Address     string        `yaml:"address,omitempty"`
	Fingerprint string        `yaml:"fingerprint,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Pipes       []string      `yaml:"pipes"`
}

// LoadConfig reads and validates a hooks file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load hooks %q: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a hooks document.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse hooks: %w", err)
	}
	for i := range cfg.Hooks {
		s := &cfg.Hooks[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("%s-%d", s.Type, i)
		}
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("hook %q: %w", s.Name, err)
		}
	}
	return &cfg, nil
}

func (s *Spec) validate() error {
	if _, err := ParseFilter(s.Pipes); err != nil {
		return err
	}
	switch s.Type {
	case TypeDump, TypeSQLite:
		if s.Path == "" {
			return errors.New("path is required")
		}
	case TypeTCP, TypeUDP:
		if s.Address == "" {
			return errors.New("address is required")
		}
	case TypeQUIC:
		if s.Address == "" {
			return errors.New("address is required")
		}
		if _, err := certs.ParseFingerprint(s.Fingerprint); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown type %q", s.Type)
	}
	return nil
}

// Open creates every configured hook. On failure the hooks opened so far
// are stopped. capture labels relayed and stored records.
func (c *Config) Open(ctx context.Context, capture string, log *slog.Logger) (*Set, error) {
	set := NewSet(log)
	for _, s := range c.Hooks {
		filter, err := ParseFilter(s.Pipes)
		if err != nil {
			set.Stop()
			return nil, fmt.Errorf("hook %q: %w", s.Name, err)
		}
		h, err := s.open(ctx, capture, log)
		if err != nil {
			set.Stop()
			return nil, fmt.Errorf("hook %q: %w", s.Name, err)
		}
		set.Add(s.Name, h, filter)
	}
	return set, nil
}

func (s Spec) open(ctx context.Context, capture string, log *slog.Logger) (Hook, error) {
	switch s.Type {
	case TypeDump:
		return NewDump(s.Path)
	case TypeTCP:
		return DialTCP(ctx, s.Address, s.Timeout, log)
	case TypeUDP:
		return ListenUDP(s.Address, s.Timeout, log)
	case TypeQUIC:
		fp, err := certs.ParseFingerprint(s.Fingerprint)
		if err != nil {
			return nil, err
		}
		return DialQUIC(ctx, s.Address, fp, capture)
	case TypeSQLite:
		return OpenSQLite(s.Path, capture)
	}
	return nil, fmt.Errorf("unknown type %q", s.Type)
}
