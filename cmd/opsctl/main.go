// opsctl — консольный клиент шлюза: сопряжение, задачи, подтверждения, токены.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "opsctl:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "opsctl",
		Usage: "operate the browser agent gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Value:   "http://localhost:8080",
				Usage:   "gateway base URL",
				EnvVars: []string{"BROWSEROPS_URL"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "bearer token, see: opsctl token issue",
				EnvVars: []string{"BROWSEROPS_TOKEN"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 30 * time.Second,
			},
			&cli.StringFlag{
				Name:  "field",
				Usage: "print only this gjson path of the response (e.g. execution_id, steps.#.action)",
			},
		},
		Commands: []*cli.Command{
			pairCommand(),
			taskCommand(),
			approvalCommand(),
			tokenCommand(),
		},
	}
}

func pairCommand() *cli.Command {
	return &cli.Command{
		Name:  "pair",
		Usage: "extension pairing",
		Subcommands: []*cli.Command{
			{
				Name:  "issue",
				Usage: "issue a one-time pairing code",
				Action: func(c *cli.Context) error {
					return call(c, "POST", "/v1/pairing/codes", nil)
				},
			},
			{
				Name:  "status",
				Usage: "show the active pairing",
				Action: func(c *cli.Context) error {
					return call(c, "GET", "/v1/pairing/status", nil)
				},
			},
			{
				Name:  "list",
				Usage: "list all pairings of the user",
				Action: func(c *cli.Context) error {
					return call(c, "GET", "/v1/pairing/", nil)
				},
			},
			{
				Name:      "disconnect",
				Usage:     "revoke a paired extension instance",
				ArgsUsage: "<instance-id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "instance-id")
					if err != nil {
						return err
					}
					return call(c, "DELETE", "/v1/pairing/"+id, nil)
				},
			},
		},
	}
}

func taskCommand() *cli.Command {
	return &cli.Command{
		Name:  "task",
		Usage: "plan and execute tasks",
		Subcommands: []*cli.Command{
			{
				Name:      "submit",
				Usage:     "submit a natural-language task",
				ArgsUsage: "<description>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "agent", Usage: "agent id (gateway default when empty)"},
					&cli.StringFlag{Name: "platform", Usage: "platform of the open tab"},
					&cli.StringFlag{Name: "url", Usage: "current page URL"},
				},
				Action: func(c *cli.Context) error {
					desc, err := requireArg(c, "description")
					if err != nil {
						return err
					}
					body := map[string]any{
						"description": desc,
						"agent_id":    c.String("agent"),
						"context": map[string]string{
							"platform": c.String("platform"),
							"url":      c.String("url"),
						},
					}
					return call(c, "POST", "/v1/tasks/", body)
				},
			},
			{
				Name:      "get",
				Usage:     "show an execution",
				ArgsUsage: "<execution-id>",
				Action:    idAction("GET", "/v1/tasks/%s", nil),
			},
			{
				Name:  "history",
				Usage: "list executions, newest first",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20},
					&cli.IntFlag{Name: "offset"},
				},
				Action: func(c *cli.Context) error {
					path := fmt.Sprintf("/v1/tasks/?limit=%d&offset=%d", c.Int("limit"), c.Int("offset"))
					return call(c, "GET", path, nil)
				},
			},
			{
				Name:      "cancel",
				Usage:     "cancel a running execution",
				ArgsUsage: "<execution-id>",
				Action:    idAction("POST", "/v1/tasks/%s/cancel", nil),
			},
			{
				Name:      "log",
				Usage:     "show the command log of an execution",
				ArgsUsage: "<execution-id>",
				Action:    idAction("GET", "/v1/tasks/%s/log", nil),
			},
			{
				Name:      "audit",
				Usage:     "verify the audit hash chain of an execution",
				ArgsUsage: "<execution-id>",
				Action:    idAction("GET", "/v1/tasks/%s/audit", nil),
			},
		},
	}
}

func approvalCommand() *cli.Command {
	return &cli.Command{
		Name:  "approval",
		Usage: "human-in-the-loop confirmations",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list steps awaiting confirmation",
				Action: func(c *cli.Context) error {
					return call(c, "GET", "/v1/approvals/", nil)
				},
			},
			{
				Name:      "decide",
				Usage:     "approve or reject a held step",
				ArgsUsage: "<approval-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "reject", Usage: "reject instead of approve"},
					&cli.StringFlag{Name: "comment"},
				},
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "approval-id")
					if err != nil {
						return err
					}
					body := map[string]any{"approved": !c.Bool("reject"), "comment": c.String("comment")}
					return call(c, "POST", "/v1/approvals/"+id+"/decide", body)
				},
			},
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "offline token tooling",
		Subcommands: []*cli.Command{
			{
				Name:  "issue",
				Usage: "sign a user token with the gateway private key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Required: true, Usage: "PEM private key file"},
					&cli.StringFlag{Name: "user", Required: true},
					&cli.StringFlag{Name: "issuer", Value: "browserops"},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
					&cli.BoolFlag{Name: "operator", Usage: "also grant the operator scope"},
				},
				Action: func(c *cli.Context) error {
					tok, err := issueToken(c.String("key"), c.String("issuer"), c.String("user"), c.Duration("ttl"), c.Bool("operator"))
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, tok)
					return nil
				},
			},
		},
	}
}
