package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"runtime/pprof"
	"time"

	"github.com/tinyrange/its/internal/debug"
	"github.com/tinyrange/its/internal/its/command"
)

const defaultLimit = 100

func run() error {
	list := flag.Bool("list", false, "list all sources in the trace")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")
	source := flag.String("source", "", "regex to filter sources")
	match := flag.String("match", "", "regex to filter messages")
	limit := flag.Int("limit", defaultLimit, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")
	decode := flag.Bool("decode", true, "decode command queue slots")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `itsdebug - inspect ITS trace files

USAGE:
  itsdebug [flags] <filename>

FLAGS:
  -list          List all unique source names in the trace, one per line
  -range         Show earliest/latest timestamps and total duration
  -source REGEX  Only show entries where source matches regex (Go regexp syntax)
  -match REGEX   Only show entries where message matches regex (Go regexp syntax)
  -limit N       Max entries to return (default: 100). Errors if exceeded; use -tail or 0 for unlimited
  -tail          Show last N entries instead of first N (combine with -limit)
  -decode        Print command queue slots as commands (default: true)

OUTPUT FORMAT:
  Each entry is printed as: TIMESTAMP [SOURCE] MESSAGE
  Command slots recorded by "its cmdq" are printed as MAPD(...), SYNC(...) etc.

EXAMPLES:
  itsdebug trace.bin                          Show entries (errors if >100)
  itsdebug -tail trace.bin                    Show last 100 entries
  itsdebug -source 'cmdq' -limit 0 trace.bin  Every command sent to the ITS
  itsdebug -match '^MAPTI' trace.bin          Only event mappings
  itsdebug -decode=false trace.bin            Raw slots as hex
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return fmt.Errorf("create CPU profile file: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	reader, err := debug.NewReaderFromFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}

	if *list {
		for _, src := range reader.Sources() {
			fmt.Println(src)
		}
		return nil
	}

	if *timeRange {
		var earliest, latest time.Time
		reader.Each(func(rec debug.Record) error {
			if earliest.IsZero() {
				earliest = rec.Time
			}
			latest = rec.Time
			return nil
		})
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n", earliest, latest, latest.Sub(earliest))
		return nil
	}

	var sourceRe, matchRe *regexp.Regexp
	if *source != "" {
		sourceRe, err = regexp.Compile(*source)
		if err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		matchRe, err = regexp.Compile(*match)
		if err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	type entry struct {
		ts      time.Time
		source  string
		message string
	}
	var entries []entry

	if err := reader.Each(func(rec debug.Record) error {
		if sourceRe != nil && !sourceRe.MatchString(rec.Source) {
			return nil
		}
		msg := format(rec, *decode)
		if matchRe != nil && !matchRe.MatchString(msg) {
			return nil
		}
		entries = append(entries, entry{ts: rec.Time, source: rec.Source, message: msg})
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}

	if *limit > 0 && len(entries) > *limit {
		switch {
		case *tail:
			entries = entries[len(entries)-*limit:]
		case *limit == defaultLimit:
			return fmt.Errorf("too many entries: %d (limit is %d). Use -tail for last %d, or explicitly set a limit using -limit", len(entries), *limit, *limit)
		default:
			entries = entries[:*limit]
		}
	}

	for _, e := range entries {
		fmt.Printf("%s [%s] %s\n", e.ts.Format(time.RFC3339Nano), e.source, e.message)
	}
	return nil
}

// format renders a record. Binary records of command.Size bytes are queue
// slots and decode to the command they carry.
func format(rec debug.Record, decode bool) string {
	if rec.Kind != debug.KindBytes {
		return string(rec.Data)
	}
	if decode && len(rec.Data) == command.Size {
		if cmd, err := command.Decode(rec.Data); err == nil {
			return cmd.String()
		}
	}
	return fmt.Sprintf("% x", rec.Data)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "itsdebug: %v\n", err)
		os.Exit(1)
	}
}
