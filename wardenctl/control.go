package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/jveski/warden/internal/rpc"
	"github.com/jveski/warden/internal/supervisor"
)

func checkCmd(c *cli.Context) error {
	cc, err := setup(c)
	if err != nil {
		return err
	}

	name := c.Args().First()
	if name == "" {
		resp, err := cc.Client.POST(c.Context, "/check", nil)
		if err != nil {
			return err
		}
		resp.Body.Close()
		fmt.Println("triggered a check of every watched workload")
		return nil
	}

	resp, err := cc.Client.POST(c.Context, "/check?"+url.Values{"workload": {name}}.Encode(), nil)
	es := &rpc.ErrStatus{}
	if errors.As(err, &es) && es.Code == 409 {
		return fmt.Errorf("a replacement of %q is already in progress", name)
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	result := &supervisor.Result{}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return err
	}
	printResult(result, os.Stdout)
	return nil
}

func printResult(r *supervisor.Result, w io.Writer) {
	switch r.Outcome {
	case supervisor.OutcomeReplaced:
		fmt.Fprintf(w, "%s: replaced %s with %s\n", r.Workload, shortDigest(r.From.String()), shortDigest(r.To.String()))
	case supervisor.OutcomeFailed:
		fmt.Fprintf(w, "%s: replacement with %s failed: %s\n", r.Workload, shortDigest(r.To.String()), r.Reason)
	default:
		fmt.Fprintf(w, "%s: %s", r.Workload, r.Outcome)
		if r.Reason != "" {
			fmt.Fprintf(w, " (%s)", r.Reason)
		}
		fmt.Fprintln(w)
	}
}

func stopCmd(c *cli.Context) error {
	return control(c, "stop", "stopped")
}

func startCmd(c *cli.Context) error {
	return control(c, "start", "started")
}

func control(c *cli.Context, verb, done string) error {
	name, err := requireArg(c, "workload name")
	if err != nil {
		return err
	}

	cc, err := setup(c)
	if err != nil {
		return err
	}

	resp, err := cc.Client.POST(c.Context, "/"+verb+"?"+url.Values{"workload": {name}}.Encode(), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	fmt.Printf("%s %s\n", done, name)
	return nil
}
