// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

// Fieldsync-validate is the offline analysis tool for completed
// sessions. It certifies cross-device timeline alignment from the
// flash journal and the clock offsets recorded in the session
// manifest, and renders journal files for inspection.
//
// Usage:
//
//	fieldsync-validate validate <session-dir> [--tolerance 5ms] [--json]
//	fieldsync-validate journal <file>
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/fieldsync-dev/fieldsync/journal"
	"github.com/fieldsync-dev/fieldsync/lib/codec"
	"github.com/fieldsync-dev/fieldsync/session"
	"github.com/fieldsync-dev/fieldsync/validate"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || isHelpFlag(args[0]) {
		printUsage()
		if len(args) == 0 {
			return errors.New("subcommand required")
		}
		return nil
	}
	switch args[0] {
	case "validate":
		return runValidate(args[1:])
	case "journal":
		return runJournal(args[1:])
	default:
		return fmt.Errorf("unknown subcommand %q (expected \"validate\" or \"journal\")", args[0])
	}
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage:
  fieldsync-validate validate <session-dir> [flags]
      certify flash-event alignment for a completed session

  fieldsync-validate journal <file>
      render a journal file as text`)
}

func runValidate(args []string) error {
	var (
		tolerance  time.Duration
		window     time.Duration
		jsonOutput bool
	)
	defaults := validate.DefaultConfig()
	flagSet := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	flagSet.DurationVar(&tolerance, "tolerance", defaults.Tolerance, "maximum acceptable aligned-timestamp spread")
	flagSet.DurationVar(&window, "window", defaults.GroupWindow, "time-proximity window for grouping unlabeled detections")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit the full report as JSON")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("validate requires exactly one session directory argument")
	}
	sessionDir := flagSet.Arg(0)

	manifest, err := session.ReadManifest(sessionDir)
	if err != nil {
		return err
	}
	offsets := make(map[string]int64, len(manifest.Members))
	for _, member := range manifest.Members {
		offsets[member.DeviceID] = member.OffsetNS
	}

	events, err := journal.ReadFlashEvents(filepath.Join(sessionDir, journal.FlashFileName))
	if errors.Is(err, journal.ErrTruncated) {
		fmt.Fprintln(os.Stderr, "warning: flash journal ends mid-record; validating complete entries only")
	} else if err != nil {
		return err
	}

	report, err := validate.Run(validate.FromJournal(events, offsets), validate.Config{
		GroupWindow: window,
		Tolerance:   tolerance,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}
	printReport(manifest.ID, report)
	if !report.Pass {
		return fmt.Errorf("alignment spread %s exceeds tolerance %s",
			time.Duration(report.MaxSpreadNS), time.Duration(report.ToleranceNS))
	}
	return nil
}

func printReport(sessionID string, report validate.Report) {
	verdict := "PASS"
	if !report.Pass {
		verdict = "FAIL"
	}
	fmt.Printf("session %s: %s (max spread %s, tolerance %s, %d devices, %d flash groups)\n",
		sessionID, verdict,
		time.Duration(report.MaxSpreadNS), time.Duration(report.ToleranceNS),
		len(report.Devices), len(report.Groups))
	for _, group := range report.Groups {
		label := group.EventID
		if label == "" {
			label = fmt.Sprintf("group %d", group.Index)
		}
		fmt.Printf("  %s: spread %s", label, time.Duration(group.SpreadNS))
		if group.WorstDevice != "" {
			fmt.Printf(", farthest from median: %s", group.WorstDevice)
		}
		fmt.Println()
		for _, sample := range group.Samples {
			fmt.Printf("    %-16s corrected %d ns (deviation %+d ns)\n",
				sample.DeviceID, sample.CorrectedNS, sample.DeviationNS)
		}
	}
}

// runJournal renders a journal file as text, one line per record. The
// record type is inferred from the file name.
func runJournal(args []string) error {
	var raw bool
	flagSet := pflag.NewFlagSet("journal", pflag.ContinueOnError)
	flagSet.BoolVar(&raw, "raw", false, "render records in CBOR diagnostic notation instead of typed text")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("journal requires exactly one file argument")
	}
	path := flagSet.Arg(0)
	if raw {
		return dumpRaw(path)
	}

	var truncated bool
	switch filepath.Base(path) {
	case journal.StatusFileName:
		records, err := journal.ReadStatusEvents(path)
		if errors.Is(err, journal.ErrTruncated) {
			truncated = true
		} else if err != nil {
			return err
		}
		for _, record := range records {
			fmt.Printf("%s  %-20s %s -> %s",
				time.Unix(0, record.AtNS).UTC().Format(time.RFC3339Nano),
				record.Subject, record.From, record.To)
			if record.Detail != "" {
				fmt.Printf("  (%s)", record.Detail)
			}
			fmt.Println()
		}
	default:
		records, err := journal.ReadFlashEvents(path)
		if errors.Is(err, journal.ErrTruncated) {
			truncated = true
		} else if err != nil {
			return err
		}
		for _, record := range records {
			label := record.EventID
			if label == "" {
				label = "(unlabeled)"
			}
			fmt.Printf("%-12s %-16s session %s  local %d ns  confidence %.2f\n",
				label, record.DeviceID, record.SessionID,
				record.LocalTimestampNS, record.Confidence)
		}
	}
	if truncated {
		fmt.Fprintln(os.Stderr, "warning: journal ends mid-record; shown entries are complete")
	}
	return nil
}

// dumpRaw renders each record in CBOR diagnostic notation, which
// works for any journal regardless of record type.
func dumpRaw(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for index := 0; len(data) > 0; index++ {
		text, rest, err := codec.Diagnose(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: record %d unreadable: %v\n", index, err)
			return nil
		}
		fmt.Println(text)
		data = rest
	}
	return nil
}
