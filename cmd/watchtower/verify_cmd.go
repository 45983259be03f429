package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/acvlabs/watchtower/pkg/replay"
)

// runVerifyCmd implements `watchtower verify`: independent re-verification of
// a persisted audit log with no access to the original run.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		logPath    string
		jsonOutput bool
	)
	cmd.StringVar(&logPath, "log", "", "Path to the audit log JSONL file (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if logPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --log is required")
		return 2
	}

	report, err := replay.LoadFile(logPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Valid {
		_, _ = fmt.Fprintf(stdout, "audit chain VALID: %d entries (%d actuated, %d rejected)\n",
			report.Entries, report.Actuated, report.Rejected)
		_, _ = fmt.Fprintf(stdout, "head: %s\n", report.HeadHash)
	} else {
		_, _ = fmt.Fprintf(stdout, "audit chain INVALID at sequence %d: %s\n",
			report.FirstBadSeq, report.Reason)
	}

	if !report.Valid {
		return 1
	}
	return 0
}
