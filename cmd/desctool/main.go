// desctool builds, inspects and exercises descriptor arrays.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/descriptors/config"
	"github.com/chazu/descriptors/vm"
)

func main() {
	configDir := flag.String("config", ".", "Directory to search upward for descriptors.toml")
	verbosity := flag.Int("v", -1, "Log verbosity (overrides [log] verbosity)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: desctool [options] <command> [command options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  demo                       Build a shape chain, freeze it and print its descriptors\n")
		fmt.Fprintf(os.Stderr, "  stress [-n N] [-readers R] Search a large table from R concurrent readers\n")
		fmt.Fprintf(os.Stderr, "  layout                     Hex-dump the binary layout of the demo table\n")
		fmt.Fprintf(os.Stderr, "  snapshot -o file           Write a CBOR snapshot of the demo table\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *verbosity >= 0 {
		cfg.Log.Verbosity = *verbosity
	}
	commonlog.Configure(cfg.Log.Verbosity, nil)

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	h := vm.NewHeap(cfg)
	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "demo":
		err = runDemo(h)
	case "stress":
		err = runStress(h, args)
	case "layout":
		err = runLayout(h)
	case "snapshot":
		err = runSnapshot(h, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", flag.Arg(0))
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildDemo builds point {x, y, z} with a getter and a constant, then
// freezes it.
func buildDemo(h *vm.Heap) (*vm.Map, *vm.Map, error) {
	m := h.NewMap()
	var err error
	for _, name := range []string{"x", "y", "z"} {
		if m, err = m.AddDataField(h.Intern(name), vm.AttrNone, vm.RepSmi, vm.FieldTypeAny()); err != nil {
			return nil, nil, err
		}
	}
	if m, err = m.AddAccessor(h.Intern("length"), &vm.AccessorPair{Getter: h.Intern("computeLength")}, vm.DontEnum); err != nil {
		return nil, nil, err
	}
	if m, err = m.AddDataConstant(h.Intern("kind"), h.Intern("point"), vm.AttrNone); err != nil {
		return nil, nil, err
	}
	frozen, err := m.CopyAddAttributes(vm.Frozen)
	if err != nil {
		return nil, nil, err
	}
	return m, frozen, nil
}

func runDemo(h *vm.Heap) error {
	m, frozen, err := buildDemo(h)
	if err != nil {
		return err
	}
	fmt.Printf("%s:\n", m)
	if err := m.InstanceDescriptors().PrintDescriptors(os.Stdout); err != nil {
		return err
	}
	fmt.Printf("\n%s (frozen):\n", frozen)
	if err := frozen.InstanceDescriptors().PrintDescriptors(os.Stdout); err != nil {
		return err
	}

	keys, err := m.EnumKeys()
	if err != nil {
		return err
	}
	fmt.Printf("\nfor-in order:")
	for _, k := range keys {
		fmt.Printf(" %s", k)
	}
	fmt.Println()

	mk := h.Marker()
	mk.StartCycle()
	mk.MarkRoot(m)
	stats := mk.Finish()
	fmt.Printf("marking: %d arrays, %d descriptors, %d maps live, %d slots\n",
		stats.ArraysMarked, stats.DescriptorsVisited, stats.MapsMarked, stats.LiveSlots)
	return nil
}

func runStress(h *vm.Heap, args []string) error {
	fs := flag.NewFlagSet("stress", flag.ExitOnError)
	n := fs.Int("n", 512, "Number of properties")
	readers := fs.Int("readers", 8, "Concurrent readers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *n < 1 || *n > vm.MaxNumberOfDescriptors {
		return fmt.Errorf("-n must be in [1, %d]", vm.MaxNumberOfDescriptors)
	}

	d, err := vm.Allocate(h, *n, 0)
	if err != nil {
		return err
	}
	names := make([]*vm.Name, *n)
	for i := range names {
		names[i] = h.Intern("p" + strconv.Itoa(i))
		desc := vm.NewDataConstant(names[i], vm.Smi(i), vm.AttrNone)
		d.Append(&desc)
	}
	missing := h.Intern("missing")

	// The table is not mutated from here on, so readers share it freely.
	g, ctx := errgroup.WithContext(context.Background())
	for r := 0; r < *readers; r++ {
		r := r // per-iteration copy (go.mod targets go1.21 loop semantics)
		g.Go(func() error {
			for i := r; i < len(names); i++ {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if got := d.Search(names[i], len(names)); got != i {
					return fmt.Errorf("reader %d: Search(%s) = %d, want %d", r, names[i], got, i)
				}
				if got := d.Search(names[i], i); got != vm.NotFound {
					return fmt.Errorf("reader %d: Search(%s, %d) = %d, want NotFound", r, names[i], i, got)
				}
			}
			if got := d.Search(missing, len(names)); got != vm.NotFound {
				return fmt.Errorf("reader %d: found missing key at %d", r, got)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("%d readers searched %d descriptors: ok (heap %s, %d slots)\n",
		*readers, *n, h.ID(), h.AllocatedSlots())
	return nil
}

func runLayout(h *vm.Heap) error {
	m, _, err := buildDemo(h)
	if err != nil {
		return err
	}
	img := vm.EncodeLayout(m.InstanceDescriptors())
	hdr, err := vm.DecodeLayoutHeader(img.Data)
	if err != nil {
		return err
	}
	fmt.Printf("capacity %d, descriptors %d, marked %d, %d bytes, %d objects\n",
		hdr.NumberOfAllDescriptors, hdr.NumberOfDescriptors, hdr.RawNumberOfMarkedDescriptors,
		len(img.Data), len(img.Objects))
	fmt.Print(hex.Dump(img.Data))
	return nil
}

func runSnapshot(h *vm.Heap, args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	out := fs.String("o", "", "Output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return fmt.Errorf("snapshot: -o is required")
	}
	m, _, err := buildDemo(h)
	if err != nil {
		return err
	}
	data, err := vm.MarshalDescriptors(m.InstanceDescriptors())
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes to %s\n", len(data), *out)
	return nil
}
