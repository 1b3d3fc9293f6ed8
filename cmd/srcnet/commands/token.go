package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/ska-src/srcnet-cli/internal/session"
)

const timeFormat = "2006-01-02 15:04:05 MST"

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "manage access tokens for SRCNet services",
		Commands: []*cli.Command{
			{
				Name:   "request",
				Usage:  "log in interactively and obtain an identity token",
				Action: tokenRequestAction,
			},
			{
				Name:      "get",
				Usage:     "print a valid access token for a service",
				ArgsUsage: "<service>",
				Action:    tokenGetAction,
			},
			{
				Name:   "ls",
				Usage:  "list stored access tokens",
				Action: tokenListAction,
			},
			{
				Name:      "inspect",
				Usage:     "show the issuer's introspection claims for a service token",
				ArgsUsage: "<service>",
				Action:    tokenInspectAction,
			},
			{
				Name:      "exchange",
				Usage:     "mint a token for a service from an existing one",
				ArgsUsage: "<service>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "version",
						Usage: "service version to resolve the audience for",
						Value: session.DefaultVersion,
					},
				},
				Action: tokenExchangeAction,
			},
			{
				Name:      "rm",
				Usage:     "remove the stored token for a service",
				ArgsUsage: "<service>",
				Action:    tokenRemoveAction,
			},
		},
	}
}

func serviceArg(cmd *cli.Command) (string, error) {
	service := cmd.Args().First()
	if service == "" {
		return "", fmt.Errorf("service name required")
	}
	return service, nil
}

func tokenRequestAction(ctx context.Context, cmd *cli.Command) error {
	sess, err := newSession(ctx, cmd)
	if err != nil {
		return err
	}

	loginURL, _, err := sess.BeginAuthorization(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Open the following URL in your browser and log in:\n\n  %s\n\n", loginURL)

	code, err := promptSecret("Paste the returned code: ")
	if err != nil {
		return err
	}
	state, err := promptLine("Paste the returned state: ")
	if err != nil {
		return err
	}

	record, err := sess.CompleteAuthorization(ctx, code, state)
	if err != nil {
		return err
	}

	fmt.Printf("Token stored for service %s at %s\n", record.ServiceName, record.PathOnDisk)
	return nil
}

func tokenGetAction(ctx context.Context, cmd *cli.Command) error {
	service, err := serviceArg(cmd)
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, cmd)
	if err != nil {
		return err
	}

	token, err := sess.GetAccessToken(ctx, service)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

func tokenListAction(ctx context.Context, cmd *cli.Command) error {
	sess, err := newSession(ctx, cmd)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tTOKEN\tTYPE\tEXPIRES (UTC)\tEXPIRES (LOCAL)\tREFRESH\tPATH")
	for _, summary := range sess.ListAccessTokens() {
		refresh := "no"
		if summary.HasRefreshToken {
			refresh = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			summary.ServiceName,
			summary.Preview,
			summary.TokenType,
			summary.ExpiresAtUTC.Format(timeFormat),
			summary.ExpiresAtLocal.Format(timeFormat),
			refresh,
			summary.PathOnDisk,
		)
	}
	return w.Flush()
}

func tokenInspectAction(ctx context.Context, cmd *cli.Command) error {
	service, err := serviceArg(cmd)
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, cmd)
	if err != nil {
		return err
	}

	claims, err := sess.InspectAccessToken(ctx, service)
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(claims, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func tokenExchangeAction(ctx context.Context, cmd *cli.Command) error {
	service, err := serviceArg(cmd)
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, cmd)
	if err != nil {
		return err
	}

	record, err := sess.ExchangeToken(ctx, service, cmd.String("version"))
	if err != nil {
		return err
	}

	fmt.Printf("Token stored for service %s at %s\n", record.ServiceName, record.PathOnDisk)
	return nil
}

func tokenRemoveAction(ctx context.Context, cmd *cli.Command) error {
	service, err := serviceArg(cmd)
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, cmd)
	if err != nil {
		return err
	}

	if err := sess.DeleteToken(ctx, service); err != nil {
		return err
	}

	fmt.Printf("Removed token for service %s\n", service)
	return nil
}

// promptSecret reads a value without echoing it when stdin is a terminal,
// so pasted authorization codes don't end up in scrollback.
func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptLine(prompt)
	}

	fmt.Print(prompt)
	value, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(string(value)), nil
}

func promptLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
