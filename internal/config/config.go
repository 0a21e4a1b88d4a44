// Package config loads runtime tuning from tiercore.toml and TIERCORE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"tiercore/internal/engine"
	"tiercore/internal/heap"
	"tiercore/internal/ic"
)

// FileName is the manifest looked up from the working directory upwards.
const FileName = "tiercore.toml"

// EnvPrefix prefixes every environment override, e.g. TIERCORE_TIER_WORKERS.
const EnvPrefix = "TIERCORE_"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// File mirrors tiercore.toml.
type File struct {
	Tier   TierSection   `toml:"tier"`
	GC     GCSection     `toml:"gc"`
	Interp InterpSection `toml:"interp"`
}

type TierSection struct {
	Enabled            bool `toml:"enabled"`
	PromotionThreshold int  `toml:"promotion_threshold"`
	Workers            int  `toml:"workers"`
	MaxUnitSize        int  `toml:"max_unit_size"`
	DeoptLimit         int  `toml:"deopt_limit"`
	MaxRecompiles      int  `toml:"max_recompiles"`
}

type GCSection struct {
	HeapThreshold int64 `toml:"heap_threshold"`
	MaxHeap       int64 `toml:"max_heap"`
	AutoCollect   bool  `toml:"auto_collect"`
}

type InterpSection struct {
	InterruptInterval int `toml:"interrupt_interval"`
	MaxCallDepth      int `toml:"max_call_depth"`
	StackSlots        int `toml:"stack_slots"`
	CacheSlots        int `toml:"cache_slots"`
}

// Default returns the values used when no file or override sets a key.
func Default() File {
	e := engine.DefaultConfig()
	return File{
		Tier: TierSection{
			Enabled:            e.Tier.Enabled,
			PromotionThreshold: int(min(e.Tier.Threshold, math.MaxInt32)), //nolint:gosec // clamped
			Workers:            e.Tier.Workers,
			MaxUnitSize:        e.Native.MaxUnitSize,
			DeoptLimit:         e.Tier.DeoptLimit,
			MaxRecompiles:      e.Tier.MaxRecompiles,
		},
		GC: GCSection{
			HeapThreshold: int64(min(e.Heap.Threshold, math.MaxInt64)), //nolint:gosec // clamped
			MaxHeap:       int64(min(e.Heap.MaxHeap, math.MaxInt64)),   //nolint:gosec // clamped
			AutoCollect:   e.Heap.AutoCollect,
		},
		Interp: InterpSection{
			InterruptInterval: e.Interp.InterruptInterval,
			MaxCallDepth:      e.Interp.MaxCallDepth,
			StackSlots:        e.Interp.StackSlots,
			CacheSlots:        e.Interp.CacheSlots,
		},
	}
}

// Loaded is a configuration together with where it came from.
type Loaded struct {
	File File
	Path string   // manifest path, empty when none was found
	Env  []string // environment variables that overrode a key
}

// Find walks up from startDir looking for tiercore.toml.
func Find(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// Load reads path, or discovers tiercore.toml from startDir when path is
// empty, then applies environment overrides and validates the result.
func Load(path, startDir string, environ []string) (*Loaded, error) {
	l := &Loaded{File: Default()}
	if path == "" {
		found, ok, err := Find(startDir)
		if err != nil {
			return nil, err
		}
		if ok {
			path = found
		}
	}
	if path != "" {
		if err := decodeFile(path, &l.File); err != nil {
			return nil, err
		}
		l.Path = path
	}
	env, err := applyEnv(&l.File, environ)
	if err != nil {
		return nil, err
	}
	l.Env = env
	if err := l.File.Validate(); err != nil {
		if l.Path != "" {
			return nil, fmt.Errorf("%s: %w", l.Path, err)
		}
		return nil, err
	}
	return l, nil
}

func decodeFile(path string, f *File) error {
	meta, err := toml.DecodeFile(path, f)
	if err != nil {
		return fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if keys := meta.Undecoded(); len(keys) > 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		return fmt.Errorf("%s: %w: unknown keys %s", path, ErrInvalid, strings.Join(names, ", "))
	}
	return nil
}

// Validate rejects values the runtime cannot work with.
func (f *File) Validate() error {
	checks := []struct {
		key string
		val int64
		lo  int64
		hi  int64
	}{
		{"tier.promotion_threshold", int64(f.Tier.PromotionThreshold), 1, math.MaxInt32},
		{"tier.workers", int64(f.Tier.Workers), 1, 64},
		{"tier.max_unit_size", int64(f.Tier.MaxUnitSize), 1, 1 << 20},
		{"tier.deopt_limit", int64(f.Tier.DeoptLimit), 1, math.MaxInt32},
		{"tier.max_recompiles", int64(f.Tier.MaxRecompiles), 0, 64},
		{"gc.heap_threshold", f.GC.HeapThreshold, 1, math.MaxInt64},
		{"gc.max_heap", f.GC.MaxHeap, 1 << 10, math.MaxInt64},
		{"interp.interrupt_interval", int64(f.Interp.InterruptInterval), 1, 1 << 30},
		{"interp.max_call_depth", int64(f.Interp.MaxCallDepth), 1, 1 << 20},
		{"interp.stack_slots", int64(f.Interp.StackSlots), 16, 1 << 26},
		{"interp.cache_slots", int64(f.Interp.CacheSlots), 1, ic.MaxSlots},
	}
	for _, c := range checks {
		if c.val < c.lo || c.val > c.hi {
			return fmt.Errorf("%w: %s = %d, must be in [%d, %d]", ErrInvalid, c.key, c.val, c.lo, c.hi)
		}
	}
	if f.GC.HeapThreshold > f.GC.MaxHeap {
		return fmt.Errorf("%w: gc.heap_threshold %d exceeds gc.max_heap %d", ErrInvalid, f.GC.HeapThreshold, f.GC.MaxHeap)
	}
	return nil
}

// Engine converts the file into engine tuning. Call Validate first.
func (f *File) Engine() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Tier.Enabled = f.Tier.Enabled
	cfg.Tier.Threshold = uint64(f.Tier.PromotionThreshold) //nolint:gosec // validated positive
	cfg.Tier.Workers = f.Tier.Workers
	cfg.Tier.DeoptLimit = f.Tier.DeoptLimit
	cfg.Tier.MaxRecompiles = f.Tier.MaxRecompiles
	cfg.Native.MaxUnitSize = f.Tier.MaxUnitSize
	cfg.Heap = heap.Config{
		Threshold:    uint64(f.GC.HeapThreshold), //nolint:gosec // validated positive
		MaxHeap:      uint64(f.GC.MaxHeap),       //nolint:gosec // validated positive
		InitialWords: cfg.Heap.InitialWords,
		AutoCollect:  f.GC.AutoCollect,
	}
	cfg.Interp.InterruptInterval = f.Interp.InterruptInterval
	cfg.Interp.MaxCallDepth = f.Interp.MaxCallDepth
	cfg.Interp.StackSlots = f.Interp.StackSlots
	cfg.Interp.CacheSlots = f.Interp.CacheSlots
	return cfg
}

type envKey struct {
	name string
	set  func(f *File, raw string) error
}

func intKey(name string, dst func(*File) *int) envKey {
	return envKey{name, func(f *File, raw string) error {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*dst(f) = n
		return nil
	}}
}

func int64Key(name string, dst func(*File) *int64) envKey {
	return envKey{name, func(f *File, raw string) error {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		*dst(f) = n
		return nil
	}}
}

func boolKey(name string, dst func(*File) *bool) envKey {
	return envKey{name, func(f *File, raw string) error {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*dst(f) = b
		return nil
	}}
}

var envKeys = []envKey{
	boolKey("TIER_ENABLED", func(f *File) *bool { return &f.Tier.Enabled }),
	intKey("TIER_PROMOTION_THRESHOLD", func(f *File) *int { return &f.Tier.PromotionThreshold }),
	intKey("TIER_WORKERS", func(f *File) *int { return &f.Tier.Workers }),
	intKey("TIER_MAX_UNIT_SIZE", func(f *File) *int { return &f.Tier.MaxUnitSize }),
	intKey("TIER_DEOPT_LIMIT", func(f *File) *int { return &f.Tier.DeoptLimit }),
	intKey("TIER_MAX_RECOMPILES", func(f *File) *int { return &f.Tier.MaxRecompiles }),
	int64Key("GC_HEAP_THRESHOLD", func(f *File) *int64 { return &f.GC.HeapThreshold }),
	int64Key("GC_MAX_HEAP", func(f *File) *int64 { return &f.GC.MaxHeap }),
	boolKey("GC_AUTO_COLLECT", func(f *File) *bool { return &f.GC.AutoCollect }),
	intKey("INTERP_INTERRUPT_INTERVAL", func(f *File) *int { return &f.Interp.InterruptInterval }),
	intKey("INTERP_MAX_CALL_DEPTH", func(f *File) *int { return &f.Interp.MaxCallDepth }),
	intKey("INTERP_STACK_SLOTS", func(f *File) *int { return &f.Interp.StackSlots }),
	intKey("INTERP_CACHE_SLOTS", func(f *File) *int { return &f.Interp.CacheSlots }),
}

// applyEnv applies TIERCORE_* entries from environ (os.Environ format) and
// returns the names it used. Later entries win.
func applyEnv(f *File, environ []string) ([]string, error) {
	var used []string
	for _, kv := range environ {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		suffix := strings.TrimPrefix(name, EnvPrefix)
		for _, k := range envKeys {
			if k.name != suffix {
				continue
			}
			if err := k.set(f, strings.TrimSpace(raw)); err != nil {
				return nil, fmt.Errorf("%w: %s=%q: %w", ErrInvalid, name, raw, err)
			}
			used = append(used, name)
		}
	}
	return used, nil
}
