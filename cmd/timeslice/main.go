// Command timeslice summarises a trace written by ccvmm -timeslice.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/tinyrange/ccvmm/internal/timeslice"
)

type kindStats struct {
	name  string
	flags timeslice.Flags
	count int
	sum   time.Duration
	min   time.Duration
	max   time.Duration
}

func (s *kindStats) add(d time.Duration) {
	s.count++
	s.sum += d
	if s.count == 1 || d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
}

func (s *kindStats) String() string {
	return fmt.Sprintf("%-28s %-6s count=%-8d sum=%-14s min=%-12s max=%-12s avg=%s",
		s.name, s.flags, s.count, s.sum, s.min, s.max, s.sum/time.Duration(s.count))
}

func main() {
	raw := flag.Bool("raw", false, "Print every record instead of per-kind statistics")
	totals := flag.Bool("totals", false, "Print only the total time per kind, largest first")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <trace>\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open trace: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	switch {
	case *totals:
		err = printTotals(f)
	case *raw:
		err = timeslice.Read(f, func(name string, flags timeslice.Flags, d time.Duration) error {
			fmt.Printf("%s %s %s\n", name, flags, d)
			return nil
		})
	default:
		err = printStats(f)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read trace: %v\n", err)
		os.Exit(1)
	}
}

func printStats(f *os.File) error {
	stats := map[string]*kindStats{}
	var order []string
	err := timeslice.Read(f, func(name string, flags timeslice.Flags, d time.Duration) error {
		s, ok := stats[name]
		if !ok {
			s = &kindStats{name: name, flags: flags}
			stats[name] = s
			order = append(order, name)
		}
		s.add(d)
		return nil
	})
	if err != nil {
		return err
	}
	for _, name := range order {
		fmt.Println(stats[name])
	}
	return nil
}

func printTotals(f *os.File) error {
	sums, err := timeslice.Totals(f)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(sums))
	for name := range sums {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return sums[names[i]] > sums[names[j]] })
	for _, name := range names {
		fmt.Printf("%-28s %s\n", name, sums[name])
	}
	return nil
}
