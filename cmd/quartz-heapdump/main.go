// Command quartz-heapdump builds a heap from runtime options, drives an
// allocation workload against it and prints per-space occupancy so heap
// tuning can be judged without a full runtime around it.
package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"

	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"

	"github.com/quartz-rt/quartz/gc"
	"github.com/quartz-rt/quartz/object"
	"github.com/quartz-rt/quartz/options"
	"github.com/quartz-rt/quartz/thread"
)

const (
	ansiReset  = "\x1b[0m"
	ansiBold   = "\x1b[1m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	optionString := flag.String("options", "", "runtime options, -Xms4m style")
	iterations := flag.Int("iterations", 20000, "allocations to perform")
	livePercent := flag.Int("live-percent", 25, "share of objects kept reachable")
	gcEvery := flag.Int("gc-every", 5000, "allocations between collections")
	seed := flag.Int64("seed", 1, "workload seed")
	noColor := flag.Bool("no-color", false, "plain output")
	flag.Parse()

	out := colorable.NewColorableStdout()
	if *noColor {
		out = colorable.NewNonColorable(os.Stdout)
	}

	opts := options.Default()
	if *configPath != "" {
		if err := opts.LoadFile(*configPath); err != nil {
			fatal(err)
		}
	}
	if *optionString != "" {
		if err := opts.ParseOptionString(*optionString); err != nil {
			fatal(err)
		}
	}
	if err := opts.Validate(); err != nil {
		fatal(err)
	}

	heap, err := gc.NewHeap(opts.HeapConfig())
	if err != nil {
		fatal(err)
	}
	defer heap.Release()

	self := thread.Attach("heapdump workload")
	heap.RegisterThread(self)
	defer heap.UnregisterThread(self)

	roots := runWorkload(heap, self, *iterations, *livePercent, *gcEvery, *seed)

	fmt.Fprintf(out, "%s== quartz heap dump ==%s\n", ansiBold, ansiReset)
	dumpSpaces(out, heap)
	dumpClassHistogram(out, heap)
	if recs := heap.AllocRecords(); recs != nil {
		fmt.Fprintf(out, "\n%srecent allocations%s\n", ansiBold, ansiReset)
		recs.Dump(out)
	}

	gcs, objects, freed := heap.Stats()
	fmt.Fprintf(out, "\n%d collections, %d objects / %v reclaimed, %d roots held\n",
		gcs, objects, bytesize.New(float64(freed)), len(roots))
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "quartz-heapdump:", err)
	os.Exit(1)
}

var workloadClasses = []struct {
	class *object.Class
	size  uintptr
}{
	{object.NewClass("Lworkload/Small;", 16, nil), 16},
	{object.NewClass("Lworkload/Medium;", 64, nil), 64},
	{object.NewClass("Lworkload/Large;", 512, nil), 512},
	{object.NewClass("Lworkload/Huge;", 8192, nil), 8192},
}

// runWorkload allocates a skewed size mix, retaining a slice of it as roots,
// and collects on a fixed cadence. Returns the surviving roots.
func runWorkload(heap *gc.Heap, self *thread.Thread, iterations, livePercent, gcEvery int, seed int64) []object.Ref {
	var roots []object.Ref
	heap.AddRootProvider(func(visit func(root *object.Ref)) {
		for i := range roots {
			visit(&roots[i])
		}
	})

	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < iterations; i++ {
		// Small objects dominate real workloads.
		pick := 0
		switch r := rng.Intn(100); {
		case r >= 97:
			pick = 3
		case r >= 85:
			pick = 2
		case r >= 60:
			pick = 1
		}
		wc := workloadClasses[pick]
		obj := heap.AllocObject(self, wc.class, wc.size)
		if obj.IsNull() {
			fatal(fmt.Errorf("allocation of %d bytes failed after %d iterations", wc.size, i))
		}
		if rng.Intn(100) < livePercent {
			roots = append(roots, obj)
		}
		if gcEvery > 0 && (i+1)%gcEvery == 0 {
			heap.CollectGarbage(false)
		}
	}
	return roots
}

func dumpSpaces(w io.Writer, heap *gc.Heap) {
	for _, sp := range heap.Spaces() {
		footprint := sp.Footprint()
		allocated := sp.BytesAllocated()
		occupancy := 0.0
		if footprint > 0 {
			occupancy = float64(allocated) / float64(footprint) * 100
		}
		color := ansiGreen
		switch {
		case occupancy > 90:
			color = ansiRed
		case occupancy > 70:
			color = ansiYellow
		}
		fmt.Fprintf(w, "%-24s %#x-%#x footprint %-10v %d objects, %v allocated (%s%.1f%%%s)\n",
			sp.Name(), sp.Begin(), sp.Limit(),
			bytesize.New(float64(footprint)),
			sp.ObjectsAllocated(),
			bytesize.New(float64(allocated)),
			color, occupancy, ansiReset)
	}
}

func dumpClassHistogram(w io.Writer, heap *gc.Heap) {
	type slot struct {
		descriptor string
		count      uint64
		bytes      uint64
	}
	byClass := make(map[string]*slot)
	heap.WalkObjects(func(obj object.Ref) {
		c := obj.Class()
		if c == nil {
			return
		}
		s := byClass[c.Descriptor()]
		if s == nil {
			s = &slot{descriptor: c.Descriptor()}
			byClass[c.Descriptor()] = s
		}
		s.count++
		s.bytes += uint64(obj.SizeOf())
	})

	slots := make([]*slot, 0, len(byClass))
	for _, s := range byClass {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].bytes > slots[j].bytes })

	fmt.Fprintf(w, "\n%slive objects by class%s\n", ansiBold, ansiReset)
	for _, s := range slots {
		fmt.Fprintf(w, "%-24s %8d objects %10v\n",
			s.descriptor, s.count, bytesize.New(float64(s.bytes)))
	}
}
