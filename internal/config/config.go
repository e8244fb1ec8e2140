package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/park285/pigeonplay/internal/engine/level"
)

const (
	EngineBuiltin = "builtin"
	EngineUCI     = "uci"
	EngineRemote  = "remote"
)

type AppConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	EngineKind         string `yaml:"engine_kind"`
	EnginePath         string `yaml:"engine_path"`
	EngineURL          string `yaml:"engine_url"`
	EngineThreads      int    `yaml:"engine_threads"`
	EngineHashMB       int    `yaml:"engine_hash_mb"`
	EngineSkillLevel   int    `yaml:"engine_skill_level"`
	EngineElo          int    `yaml:"engine_elo"`
	EnginePoolCapacity int    `yaml:"engine_pool_capacity"`
	// EngineLevel names a difficulty preset (level1..level8, beginner,
	// intermediate, advanced, master). Explicit skill and hash win over it.
	EngineLevel string `yaml:"engine_level"`

	DefaultMoveTimeSec int           `yaml:"default_movetime_sec"`
	MaxMoveTimeSec     int           `yaml:"max_movetime_sec"`
	EngineReplyGrace   time.Duration `yaml:"engine_reply_grace"`

	PolyglotBookPath string `yaml:"polyglot_book_path"`
	MessagesDir      string `yaml:"messages_dir"`
	// PieceDir optionally holds wK.svg..bP.svg for board images.
	PieceDir string `yaml:"piece_dir"`
}

func Defaults() *AppConfig {
	return &AppConfig{
		ListenAddr:         ":8080",
		EngineKind:         EngineBuiltin,
		EngineThreads:      1,
		DefaultMoveTimeSec: 3,
		MaxMoveTimeSec:     30,
		EngineReplyGrace:   2 * time.Second,
	}
}

// Load applies defaults, then the YAML file at path (or PIGEON_CONFIG),
// then environment overrides.
func Load(path string) (*AppConfig, error) {
	cfg := Defaults()

	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv("PIGEON_CONFIG"))
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		c.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_KIND")); v != "" {
		c.EngineKind = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_PATH")); v != "" {
		c.EnginePath = v
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_URL")); v != "" {
		c.EngineURL = v
	}
	if v := strings.TrimSpace(os.Getenv("POLYGLOT_BOOK_PATH")); v != "" {
		c.PolyglotBookPath = v
	}
	if v := strings.TrimSpace(os.Getenv("MESSAGES_DIR")); v != "" {
		c.MessagesDir = v
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_LEVEL")); v != "" {
		c.EngineLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("PIECE_DIR")); v != "" {
		c.PieceDir = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"ENGINE_THREADS", &c.EngineThreads},
		{"ENGINE_HASH_MB", &c.EngineHashMB},
		{"ENGINE_SKILL_LEVEL", &c.EngineSkillLevel},
		{"ENGINE_ELO", &c.EngineElo},
		{"ENGINE_POOL_CAPACITY", &c.EnginePoolCapacity},
		{"DEFAULT_MOVETIME_SEC", &c.DefaultMoveTimeSec},
		{"MAX_MOVETIME_SEC", &c.MaxMoveTimeSec},
	}
	for _, it := range ints {
		v := strings.TrimSpace(os.Getenv(it.env))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", it.env, err)
		}
		*it.dst = n
	}

	// seconds or a duration like 1500ms
	if v := strings.TrimSpace(os.Getenv("ENGINE_REPLY_GRACE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EngineReplyGrace = time.Duration(n) * time.Second
		} else if d, err := time.ParseDuration(v); err == nil {
			c.EngineReplyGrace = d
		} else {
			return fmt.Errorf("ENGINE_REPLY_GRACE: invalid duration %q", v)
		}
	}
	return nil
}

func (c *AppConfig) Validate() error {
	switch c.EngineKind {
	case EngineBuiltin:
	case EngineUCI:
		if c.EnginePath == "" {
			return errors.New("ENGINE_PATH is required for the uci engine")
		}
	case EngineRemote:
		if c.EngineURL == "" {
			return errors.New("ENGINE_URL is required for the remote engine")
		}
	default:
		return fmt.Errorf("unknown engine kind %q", c.EngineKind)
	}
	if c.MaxMoveTimeSec <= 0 {
		return errors.New("MAX_MOVETIME_SEC must be positive")
	}
	if c.DefaultMoveTimeSec <= 0 || c.DefaultMoveTimeSec > c.MaxMoveTimeSec {
		return fmt.Errorf("DEFAULT_MOVETIME_SEC must be within 1..%d", c.MaxMoveTimeSec)
	}
	if c.EngineSkillLevel < 0 || c.EngineSkillLevel > 20 {
		return fmt.Errorf("ENGINE_SKILL_LEVEL %d out of range 0-20", c.EngineSkillLevel)
	}
	if c.EngineReplyGrace < 0 {
		return errors.New("ENGINE_REPLY_GRACE must not be negative")
	}
	if c.EngineLevel != "" {
		if _, err := level.Get(c.EngineLevel); err != nil {
			return err
		}
	}
	return nil
}

func (c *AppConfig) DefaultMoveTime() time.Duration {
	return time.Duration(c.DefaultMoveTimeSec) * time.Second
}

func (c *AppConfig) MaxMoveTime() time.Duration {
	return time.Duration(c.MaxMoveTimeSec) * time.Second
}
