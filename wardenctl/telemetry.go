package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jveski/warden/internal/metrics"
)

// The telemetry listener is plain HTTP and is expected to be reachable only from the host or a trusted network.
func getTelemetry(c *cli.Context, path string, q url.Values, v any) error {
	u := url.URL{Scheme: "http", Host: c.String("telemetry"), Path: path, RawQuery: q.Encode()}
	req, err := http.NewRequestWithContext(c.Context, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: c.Duration("timeout")}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telemetry API returned status %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func windowQuery(since time.Duration) url.Values {
	now := time.Now()
	return url.Values{
		"from": {strconv.FormatInt(now.Add(-since).Unix(), 10)},
		"to":   {strconv.FormatInt(now.Unix(), 10)},
	}
}

func targetsCmd(c *cli.Context) error {
	targets := []*metrics.TargetStatus{}
	if err := getTelemetry(c, "/api/v1/targets", nil, &targets); err != nil {
		return err
	}
	printTargets(targets, time.Now(), os.Stdout)
	return nil
}

func printTargets(targets []*metrics.TargetStatus, now time.Time, w io.Writer) {
	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "WORKLOAD\tHEALTH\tURL\tLAST SCRAPE\tSAMPLES\tERROR\n")
	for _, t := range targets {
		last := ""
		if !t.LastScrape.IsZero() {
			last = durationToString(now.Sub(t.LastScrape))
		}
		fmt.Fprintf(tr, "%s\t%s\t%s\t%s\t%d\t%s\n", t.Workload, t.Health, t.URL, last, t.Samples, t.LastError)
	}
	tr.Flush()
}

func seriesCmd(c *cli.Context) error {
	target, metric := c.Args().Get(0), c.Args().Get(1)
	if target == "" || metric == "" {
		return fmt.Errorf("a workload name and a metric name are required")
	}

	q := windowQuery(c.Duration("since"))
	q.Set("target", target)
	q.Set("metric", metric)

	series := []*metrics.Series{}
	if err := getTelemetry(c, "/api/v1/series", q, &series); err != nil {
		return err
	}
	printSeries(series, os.Stdout)
	return nil
}

func printSeries(series []*metrics.Series, w io.Writer) {
	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "TIME\tMETRIC\tVALUE\n")
	for _, s := range series {
		name := s.Metric
		if s.Labels != "{}" {
			name += s.Labels
		}
		for _, p := range s.Points {
			fmt.Fprintf(tr, "%s\t%s\t%s\n", p.Time.UTC().Format(time.RFC3339), name, strconv.FormatFloat(p.Value, 'g', -1, 64))
		}
	}
	tr.Flush()
}

func gapsCmd(c *cli.Context) error {
	q := windowQuery(c.Duration("since"))
	if target := c.Args().First(); target != "" {
		q.Set("target", target)
	}

	gaps := []*metrics.Gap{}
	if err := getTelemetry(c, "/api/v1/gaps", q, &gaps); err != nil {
		return err
	}
	printGaps(gaps, os.Stdout)
	return nil
}

func printGaps(gaps []*metrics.Gap, w io.Writer) {
	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "TIME\tWORKLOAD\tREASON\n")
	for _, g := range gaps {
		fmt.Fprintf(tr, "%s\t%s\t%s\n", g.Time.UTC().Format(time.RFC3339), g.Target, g.Reason)
	}
	tr.Flush()
}
