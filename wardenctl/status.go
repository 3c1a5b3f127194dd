package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jveski/warden/internal/api"
)

func statusCmd(c *cli.Context) error {
	cc, err := setup(c)
	if err != nil {
		return err
	}

	status, err := getStatus(c, cc)
	if err != nil {
		return err
	}

	printStatus(status, os.Stdout)
	return nil
}

func getStatus(c *cli.Context, cc *appContext) (*api.Status, error) {
	resp, err := cc.Client.GET(c.Context, "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	status := &api.Status{}
	return status, json.NewDecoder(resp.Body).Decode(status)
}

func printStatus(status *api.Status, w io.Writer) {
	sort.Slice(status.Instances, func(i, j int) bool { return status.Instances[i].Workload < status.Instances[j].Workload })

	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "WORKLOAD\tSTATUS\tDIGEST\tSTARTED\tRESTARTS\tWATCHED\tREASON\n")
	for _, inst := range status.Instances {
		started := ""
		if !inst.StartedAt.IsZero() {
			started = durationToString(time.Since(inst.StartedAt))
		}
		watched := ""
		if inst.Watched {
			watched = "yes"
		}
		reason := ""
		if inst.Reason != "" {
			reason = fmt.Sprintf("%q", inst.Reason)
		}
		fmt.Fprintf(tr, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", inst.Workload, inst.Status, shortDigest(inst.Digest), started, inst.Restarts, watched, reason)
	}
	tr.Flush()
}

// shortDigest trims "sha256:" and keeps the first 12 hex characters.
func shortDigest(d string) string {
	if _, hex, ok := strings.Cut(d, ":"); ok {
		d = hex
	}
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func durationToString(d time.Duration) string {
	hr := d.Hours()
	if hr > 24 {
		return fmt.Sprintf("%dd", int(hr/24))
	}
	if hr > 1 {
		return fmt.Sprintf("%dh", int(hr))
	}

	min := d.Minutes()
	if min > 1 {
		return fmt.Sprintf("%dm", int(min))
	}

	return fmt.Sprintf("%ds", int(d.Seconds()))
}
