package main

import (
	"io"
	"net/url"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

func logsCmd(c *cli.Context) error {
	name, err := requireArg(c, "workload name")
	if err != nil {
		return err
	}

	cc, err := setup(c)
	if err != nil {
		return err
	}

	resp, err := cc.Client.GET(c.Context, "/logs?"+logsQuery(name, c.Duration("since"), c.Bool("follow")).Encode())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func logsQuery(workload string, since time.Duration, follow bool) url.Values {
	q := url.Values{}
	q.Add("workload", workload)
	if since > 0 {
		q.Add("since", since.String())
	}
	if follow {
		q.Add("follow", "true")
	}
	return q
}
