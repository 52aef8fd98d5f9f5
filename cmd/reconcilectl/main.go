// Command reconcilectl is a local operator CLI, the teacher's
// cmd/flowctl pattern applied to this service: a go-flags command
// parser with one subcommand per orchestrator operation, each POSTing
// to cmd/reconciled's HTTP RPC surface and printing a colorized
// summary of the result.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	flags "github.com/jessevdk/go-flags"
)

type globalOpts struct {
	Addr   string `long:"addr" env:"RECONCILED_ADDR" default:"http://localhost:8080" description:"base URL of the reconciled service"`
	Secret string `long:"secret" env:"RECONCILED_SECRET" description:"admin shared secret sent as X-Admin-Token"`
}

var opts globalOpts

type cmdBackfill struct {
	AutoContinue bool `long:"auto-continue" description:"run every chunk to completion before returning"`
}

func (c *cmdBackfill) Execute(_ []string) error {
	return invoke("/backfill", map[string]interface{}{"autoContinue": c.AutoContinue})
}

type cmdBidirectional struct {
	Direction     string `long:"direction" default:"both" description:"A->B, B->A, or both"`
	MaxRecords    int    `long:"max-records" description:"stop after this many records, 0 for unbounded"`
	MaxDurationMs int    `long:"max-duration-ms" description:"wall-clock budget, 0 for unbounded"`
	DryRun        bool   `long:"dry-run" description:"compute decisions without writing anything"`
	Cursor        string `long:"cursor" description:"resume an A->B run from this email cursor"`
}

func (c *cmdBidirectional) Execute(_ []string) error {
	return invoke("/bidirectional-sync", map[string]interface{}{
		"direction":     c.Direction,
		"maxRecords":    c.MaxRecords,
		"maxDurationMs": c.MaxDurationMs,
		"dryRun":        c.DryRun,
		"cursor":        c.Cursor,
	})
}

type cmdIDRepair struct{}

func (c *cmdIDRepair) Execute(_ []string) error {
	return invoke("/id-repair", map[string]interface{}{})
}

type cmdDiagnostic struct {
	BatchSize int `long:"batch-size" description:"crosswalk rows to scan"`
	Offset    int `long:"offset" description:"starting offset"`
}

func (c *cmdDiagnostic) Execute(_ []string) error {
	return invoke("/diagnostic", map[string]interface{}{"batchSize": c.BatchSize, "offset": c.Offset})
}

func invoke(path string, body map[string]interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, opts.Addr+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.Secret != "" {
		req.Header.Set("X-Admin-Token", opts.Secret)
	}

	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		color.Red("request failed: %v", err)
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		color.Red("%s -> %d: %s", path, resp.StatusCode, string(respBody))
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, respBody, "", "  "); err != nil {
		pretty.Write(respBody)
	}
	color.Green("%s -> %d", path, resp.StatusCode)
	fmt.Println(pretty.String())
	return nil
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)

	_, _ = parser.AddCommand("backfill", "Run the backfill orchestrator", `
Builds or extends the crosswalk and shadow tables from A and B.
`, &cmdBackfill{})
	_, _ = parser.AddCommand("bidirectional-sync", "Run the bidirectional sync orchestrator", `
Reconciles A and B for a bounded window of records or wall-clock time.
`, &cmdBidirectional{})
	_, _ = parser.AddCommand("id-repair", "Run the ID-repair orchestrator", `
Fills in crosswalk rows missing a b_id by looking the email up in B.
`, &cmdIDRepair{})
	_, _ = parser.AddCommand("diagnostic", "Run the diagnostic scanner", `
Classifies crosswalk rows that never got a shadow and persists a breakdown.
`, &cmdDiagnostic{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
