// Package space implements the continuous allocation spaces: a bump-pointer
// space with per-thread allocation buffers and a free-list malloc space with
// footprint and fragmentation tracking.
package space

import (
	"github.com/quartz-rt/quartz/gc/accounting"
	"github.com/quartz-rt/quartz/internal/mem"
)

// Policy says how collections treat a space.
type Policy int

const (
	// PolicyAlwaysCollect spaces are collected every cycle.
	PolicyAlwaysCollect Policy = iota
	// PolicyNeverCollect spaces (images) are immune; cross-space
	// references out of them go through a mod-union table.
	PolicyNeverCollect
	// PolicyFullCollectOnly spaces (zygote) are collected only by full
	// collections.
	PolicyFullCollectOnly
)

func (p Policy) String() string {
	switch p {
	case PolicyAlwaysCollect:
		return "always-collect"
	case PolicyNeverCollect:
		return "never-collect"
	case PolicyFullCollectOnly:
		return "full-collect-only"
	}
	return "unknown"
}

// ContinuousSpace is a contiguous region [begin, end) growing toward a hard
// limit, with live and mark bitmaps covering [begin, limit).
type ContinuousSpace interface {
	Name() string
	Begin() uintptr
	End() uintptr
	Limit() uintptr
	HasAddress(addr uintptr) bool
	GetPolicy() Policy
	LiveBitmap() *accounting.SpaceBitmap
	MarkBitmap() *accounting.SpaceBitmap
}

// baseSpace carries what every continuous space shares.
type baseSpace struct {
	name        string
	policy      Policy
	mapping     *mem.Mapping
	ownsMapping bool
	begin       uintptr
	limit       uintptr
	live        *accounting.SpaceBitmap
	mark        *accounting.SpaceBitmap
}

func (s *baseSpace) Name() string      { return s.name }
func (s *baseSpace) Begin() uintptr    { return s.begin }
func (s *baseSpace) Limit() uintptr    { return s.limit }
func (s *baseSpace) GetPolicy() Policy { return s.policy }

func (s *baseSpace) HasAddress(addr uintptr) bool {
	return addr >= s.begin && addr < s.limit
}

func (s *baseSpace) LiveBitmap() *accounting.SpaceBitmap { return s.live }
func (s *baseSpace) MarkBitmap() *accounting.SpaceBitmap { return s.mark }

// SwapBitmaps exchanges the live and mark bitmaps. Done after a
// reachability-preserving collection: the mark bitmap has become the live
// one.
func (s *baseSpace) SwapBitmaps() {
	s.live, s.mark = s.mark, s.live
}

func (s *baseSpace) initBitmaps(capacity uintptr) error {
	var err error
	s.live, err = accounting.NewSpaceBitmap(s.name+" live bitmap", s.begin, capacity)
	if err != nil {
		return err
	}
	s.mark, err = accounting.NewSpaceBitmap(s.name+" mark bitmap", s.begin, capacity)
	if err != nil {
		s.live.Release()
		return err
	}
	return nil
}

func (s *baseSpace) releaseBitmaps() {
	if s.live != nil {
		s.live.Release()
	}
	if s.mark != nil {
		s.mark.Release()
	}
}
