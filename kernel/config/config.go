// Package config holds the tunables of the memory and scheduling core. The
// defaults can be overridden through the kernel command line.
package config

import (
	"strconv"

	"gopherkern/kernel"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm"
)

// Command line keys recognized by FromCmdLine.
const (
	KeyHeapInitial = "kheap.initial"
	KeyHeapMax     = "kheap.max"
	KeySchedSlice  = "sched.slice"
	KeyMaxTasks    = "sched.maxtasks"
	KeyStackSize   = "task.stack"
)

var (
	// ErrInvalidValue is returned when a command line value cannot be
	// parsed or when the resulting configuration is inconsistent.
	ErrInvalidValue = &kernel.Error{Module: "config", Message: "invalid configuration value"}
)

// Config describes the tunables of the kernel core.
type Config struct {
	// HeapInitial is the number of bytes backed when the heap is created.
	HeapInitial mm.Size

	// HeapMax is the size the heap may grow to.
	HeapMax mm.Size

	// Slice is the base time slice in timer ticks. A task with priority p
	// runs for Slice*p ticks before being preempted.
	Slice uint32

	// MaxTasks is the capacity of the task table, including the idle task.
	MaxTasks int

	// StackSize is the kernel stack size used when a task does not request
	// a specific size.
	StackSize mm.Size
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		HeapInitial: 64 * mm.Kb,
		HeapMax:     16 * mm.Mb,
		Slice:       5,
		MaxTasks:    64,
		StackSize:   16 * mm.Kb,
	}
}

// FromCmdLine returns the default configuration updated with the values
// found in the supplied command line key-value pairs. Unknown keys are
// ignored.
func FromCmdLine(kv map[string]string) (Config, *kernel.Error) {
	var (
		cfg = Default()
		err *kernel.Error
	)

	for key, value := range kv {
		switch key {
		case KeyHeapInitial:
			cfg.HeapInitial, err = ParseSize(value)
		case KeyHeapMax:
			cfg.HeapMax, err = ParseSize(value)
		case KeyStackSize:
			cfg.StackSize, err = ParseSize(value)
		case KeySchedSlice:
			var v uint64
			v, err = parseUint(value, 32)
			cfg.Slice = uint32(v)
		case KeyMaxTasks:
			var v uint64
			v, err = parseUint(value, 31)
			cfg.MaxTasks = int(v)
		default:
			continue
		}

		if err != nil {
			kfmt.Printf("[config] invalid value for %s: %s\n", key, value)
			return cfg, err
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks that the configuration values are consistent.
func (cfg *Config) Validate() *kernel.Error {
	switch {
	case cfg.HeapInitial == 0 || cfg.HeapInitial > cfg.HeapMax:
		kfmt.Printf("[config] heap size must satisfy 0 < %s <= %s\n", KeyHeapInitial, KeyHeapMax)
	case cfg.Slice == 0:
		kfmt.Printf("[config] %s must be greater than zero\n", KeySchedSlice)
	case cfg.MaxTasks < 2:
		kfmt.Printf("[config] %s must be at least 2\n", KeyMaxTasks)
	case cfg.StackSize < mm.Size(mm.PageSize):
		kfmt.Printf("[config] %s must be at least one page\n", KeyStackSize)
	default:
		return nil
	}

	return ErrInvalidValue
}

// ParseSize parses a byte count with an optional K, M or G suffix.
func ParseSize(value string) (mm.Size, *kernel.Error) {
	if len(value) == 0 {
		return 0, ErrInvalidValue
	}

	unit := mm.Byte
	switch value[len(value)-1] {
	case 'k', 'K':
		unit = mm.Kb
	case 'm', 'M':
		unit = mm.Mb
	case 'g', 'G':
		unit = mm.Gb
	}

	if unit != mm.Byte {
		value = value[:len(value)-1]
	}

	v, err := parseUint(value, 64)
	if err != nil || v > uint64(^mm.Size(0)/unit) {
		return 0, ErrInvalidValue
	}

	return mm.Size(v) * unit, nil
}

func parseUint(value string, bitSize int) (uint64, *kernel.Error) {
	v, err := strconv.ParseUint(value, 10, bitSize)
	if err != nil {
		return 0, ErrInvalidValue
	}

	return v, nil
}
