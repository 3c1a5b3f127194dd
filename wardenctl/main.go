package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jveski/warden/internal/rpc"
)

func main() {
	app := &cli.App{
		Name:  "wardenctl",
		Usage: "Warden admin tools",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "address of the wardend admin API i.e. `myhost` or `myhost:8234`",
				Value:   "localhost",
				EnvVars: []string{"WARDEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "telemetry",
				Usage:   "address of the wardend telemetry listener",
				Value:   "127.0.0.1:9464",
				EnvVars: []string{"WARDEN_TELEMETRY"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "timeout when sending requests to wardend",
				Value: time.Second * 15,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Get the status of every workload",
				Action: statusCmd,
			},
			{
				Name:      "logs",
				Usage:     "Get logs from a workload's current container",
				ArgsUsage: "<workload>",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "since",
						Usage: "start of the time window to query",
					},
					&cli.BoolFlag{
						Name:    "follow",
						Aliases: []string{"f"},
						Usage:   "keep streaming new output",
					},
				},
				Action: logsCmd,
			},
			{
				Name:      "check",
				Usage:     "Poll the registry now, for one watched workload or all of them",
				ArgsUsage: "[workload]",
				Action:    checkCmd,
			},
			{
				Name:      "stop",
				Usage:     "Stop a workload until it is started again",
				ArgsUsage: "<workload>",
				Action:    stopCmd,
			},
			{
				Name:      "start",
				Usage:     "Start a stopped or failed workload",
				ArgsUsage: "<workload>",
				Action:    startCmd,
			},
			{
				Name:   "targets",
				Usage:  "List scrape targets and their health",
				Action: targetsCmd,
			},
			{
				Name:      "series",
				Usage:     "Print stored samples of a metric",
				ArgsUsage: "<workload> <metric>",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "since",
						Usage: "start of the time window to query",
						Value: time.Hour,
					},
				},
				Action: seriesCmd,
			},
			{
				Name:      "gaps",
				Usage:     "Print intervals with failed scrapes",
				ArgsUsage: "[workload]",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "since",
						Usage: "start of the time window to query",
						Value: time.Hour * 24,
					},
				},
				Action: gapsCmd,
			},
			{
				Name:  "fingerprint",
				Usage: "Print this client's certificate fingerprint",
				Action: func(c *cli.Context) error {
					cc, err := setup(c)
					if err != nil {
						return err
					}
					fmt.Println(cc.Fingerprint)
					return nil
				},
			},
		},
	}

	err := app.Run(os.Args)
	if err == nil {
		return
	}

	fmt.Fprint(os.Stderr, getErrorString(err))
	os.Exit(1)
}

type appContext struct {
	Client      *rpc.Client
	Fingerprint string
}

func setup(c *cli.Context) (*appContext, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}

	id, err := rpc.LoadIdentity(dir)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}

	trusted, err := loadTrustedCerts(dir)
	if err != nil {
		return nil, err
	}

	timeout := c.Duration("timeout")
	if c.Bool("follow") {
		timeout = 0
	}
	return &appContext{
		Client:      rpc.NewClient(id, rpc.BaseURL(c.String("addr")), timeout, rpc.NewStaticAuthorizer(trusted)),
		Fingerprint: id.Fingerprint,
	}, nil
}

func configDir() (string, error) {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting homedir: %w", err)
	}
	return filepath.Join(homedir, ".wardenctl"), nil
}

func loadTrustedCerts(dir string) ([]string, error) {
	buf, err := os.ReadFile(filepath.Join(dir, "trustedcerts"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading trusted certs file: %w", err)
	}

	list := []string{}
	scanner := bufio.NewScanner(bytes.NewBuffer(buf))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" && !strings.HasPrefix(line, "#") {
			list = append(list, line)
		}
	}
	return list, scanner.Err()
}

func requireArg(c *cli.Context, what string) (string, error) {
	arg := c.Args().First()
	if arg == "" {
		return "", fmt.Errorf("a %s is required", what)
	}
	return arg, nil
}

func getErrorString(err error) string {
	es := &rpc.ErrUntrustedServer{}
	if errors.As(err, &es) {
		return fmt.Sprintf("The certificate presented by wardend is not trusted. Use this command to trust it:\n\n  echo \"%s\" >> %s\n\n", es.Fingerprint, "~/.wardenctl/trustedcerts")
	}

	ec := &rpc.ErrUntrustedClient{}
	if errors.As(err, &ec) {
		return fmt.Sprintf("wardend does not trust your client certificate.\nAdd its fingerprint to warden.toml like this:\n\n[admin]\ntrusted_clients = [\"%s\"]\n\n", ec.Fingerprint)
	}

	return fmt.Sprintf("error: %s\n", err)
}
