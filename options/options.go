// Package options holds the runtime's memory-management configuration. A
// config is assembled from defaults, an optional YAML file and option strings
// of the classic "-Xms4m -Xmx64m" form, applied in that order.
package options

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/quartz-rt/quartz/gc"
)

// Size is a byte count that unmarshals from human-readable YAML values like
// "64MB".
type Size uintptr

// UnmarshalYAML parses a size from either a bare integer or a bytesize
// string.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	bs, err := bytesize.Parse(raw)
	if err != nil {
		return err
	}
	*s = Size(bs)
	return nil
}

// String formats the size for humans.
func (s Size) String() string {
	return bytesize.New(float64(s)).String()
}

// Options configures the heap and its trackers.
type Options struct {
	InitialHeapSize Size `yaml:"initial-heap-size"`
	MaxHeapSize     Size `yaml:"max-heap-size"`
	HeapCapacity    Size `yaml:"heap-capacity"`
	BumpSpaceSize   Size `yaml:"bump-space-size"`
	TLABSize        Size `yaml:"tlab-size"`

	AllocTracking   bool `yaml:"alloc-tracking"`
	AllocRecordMax  int  `yaml:"alloc-record-max"`
	RecentRecordMax int  `yaml:"recent-record-max"`
	AllocStackDepth int  `yaml:"alloc-stack-depth"`
}

// Default returns the standalone-runtime defaults.
func Default() Options {
	return Options{
		InitialHeapSize: 4 << 20,
		MaxHeapSize:     64 << 20,
	}
}

// LoadFile overlays a YAML config file onto o.
func (o *Options) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.UnmarshalStrict(data, o); err != nil {
		return fmt.Errorf("options: %s: %w", path, err)
	}
	return nil
}

// ParseOptionString overlays whitespace-separated runtime options onto o.
// Shell quoting applies, so option strings can be passed through environment
// variables intact.
func (o *Options) ParseOptionString(s string) error {
	args, err := shlex.Split(s)
	if err != nil {
		return fmt.Errorf("options: %w", err)
	}
	return o.ParseOptions(args)
}

// ParseOptions overlays individual runtime options onto o.
func (o *Options) ParseOptions(args []string) error {
	for _, arg := range args {
		if err := o.parseOption(arg); err != nil {
			return err
		}
	}
	return nil
}

func (o *Options) parseOption(arg string) error {
	switch {
	case strings.HasPrefix(arg, "-Xms"):
		return parseMemory(arg, arg[4:], &o.InitialHeapSize)
	case strings.HasPrefix(arg, "-Xmx"):
		return parseMemory(arg, arg[4:], &o.MaxHeapSize)
	case strings.HasPrefix(arg, "-XX:HeapCapacity="):
		return parseMemory(arg, arg[len("-XX:HeapCapacity="):], &o.HeapCapacity)
	case strings.HasPrefix(arg, "-XX:BumpSpaceSize="):
		return parseMemory(arg, arg[len("-XX:BumpSpaceSize="):], &o.BumpSpaceSize)
	case strings.HasPrefix(arg, "-XX:TLABSize="):
		return parseMemory(arg, arg[len("-XX:TLABSize="):], &o.TLABSize)
	case arg == "-Xenable-alloc-tracking":
		o.AllocTracking = true
		return nil
	case strings.HasPrefix(arg, "-Xalloc-record-max:"):
		return parseInt(arg, arg[len("-Xalloc-record-max:"):], &o.AllocRecordMax)
	case strings.HasPrefix(arg, "-Xrecent-record-max:"):
		return parseInt(arg, arg[len("-Xrecent-record-max:"):], &o.RecentRecordMax)
	case strings.HasPrefix(arg, "-Xalloc-stack-depth:"):
		return parseInt(arg, arg[len("-Xalloc-stack-depth:"):], &o.AllocStackDepth)
	}
	return fmt.Errorf("options: unrecognized option %q", arg)
}

// parseMemory accepts the JVM-style forms: a plain byte count or a count
// with a k, m or g suffix, case-insensitive.
func parseMemory(arg, value string, out *Size) error {
	if value == "" {
		return fmt.Errorf("options: %q has no size", arg)
	}
	mult := uintptr(1)
	switch value[len(value)-1] {
	case 'k', 'K':
		mult = 1 << 10
		value = value[:len(value)-1]
	case 'm', 'M':
		mult = 1 << 20
		value = value[:len(value)-1]
	case 'g', 'G':
		mult = 1 << 30
		value = value[:len(value)-1]
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return fmt.Errorf("options: bad size in %q", arg)
	}
	*out = Size(uintptr(n) * mult)
	return nil
}

func parseInt(arg, value string, out *int) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fmt.Errorf("options: bad count in %q", arg)
	}
	*out = n
	return nil
}

// Validate rejects inconsistent combinations.
func (o *Options) Validate() error {
	if o.InitialHeapSize > o.MaxHeapSize {
		return fmt.Errorf("options: initial heap size %v exceeds max %v",
			o.InitialHeapSize, o.MaxHeapSize)
	}
	if o.HeapCapacity != 0 && o.MaxHeapSize > o.HeapCapacity {
		return fmt.Errorf("options: max heap size %v exceeds capacity %v",
			o.MaxHeapSize, o.HeapCapacity)
	}
	return nil
}

// HeapConfig converts the options into a heap configuration.
func (o *Options) HeapConfig() gc.HeapConfig {
	return gc.HeapConfig{
		InitialSize:         uintptr(o.InitialHeapSize),
		GrowthLimit:         uintptr(o.MaxHeapSize),
		Capacity:            uintptr(o.HeapCapacity),
		BumpCapacity:        uintptr(o.BumpSpaceSize),
		TLABSize:            uintptr(o.TLABSize),
		EnableAllocTracking: o.AllocTracking,
		AllocRecordMax:      o.AllocRecordMax,
		RecentRecordMax:     o.RecentRecordMax,
		AllocStackDepth:     o.AllocStackDepth,
	}
}
