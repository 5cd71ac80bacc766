// Command qcrbox is the command-line front end of the QCrBox registry.
//
//	qcrbox list applications|commands|calculations
//	qcrbox invoke [--wait] [slug.[version.]]command key=value...
//	qcrbox status [--json] <calculation_id>
//	qcrbox finalise <calculation_id>
//	qcrbox cancel <calculation_id>
//	qcrbox events
//
// Argument values are parsed as JSON where possible, so n=3 passes a number
// and text=hello passes a string.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/qcrbox/qcrbox/client"
	"github.com/qcrbox/qcrbox/internal/config"
)

const usage = `usage: qcrbox [--registry URL] <command> [args]

commands:
  list applications|commands|calculations
  invoke [--wait] [slug.[version.]]command key=value...
  status [--json] <calculation_id>
  finalise <calculation_id>
  cancel <calculation_id>
  events
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	defaultURL := "http://127.0.0.1:11000"
	if cfg, err := config.Load(); err == nil && cfg.RegistryURL != "" {
		defaultURL = cfg.RegistryURL
	}

	fs := flag.NewFlagSet("qcrbox", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	registry := fs.String("registry", defaultURL, "registry base URL")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 1
	}

	c, err := client.New(client.Config{BaseURL: *registry})
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	cli := &cli{client: c, out: stdout}

	rest := fs.Args()[1:]
	switch fs.Arg(0) {
	case "list":
		err = cli.list(ctx, rest)
	case "invoke":
		err = cli.invoke(ctx, rest)
	case "status":
		err = cli.status(ctx, rest)
	case "finalise", "finalize":
		err = cli.finalise(ctx, rest)
	case "cancel":
		err = cli.cancel(ctx, rest)
	case "events":
		err = cli.events(ctx)
	default:
		fs.Usage()
		return 1
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

type cli struct {
	client *client.Client
	out    io.Writer
}

func (c *cli) list(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("list needs one of applications, commands, calculations")
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	switch args[0] {
	case "applications", "apps":
		apps, err := c.client.ListApplications(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "SLUG\tVERSION\tNAME\tCOMMANDS")
		for _, a := range apps {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Slug, a.Version, a.Name, strings.Join(a.Commands, ","))
		}
	case "commands":
		cmds, err := c.client.ListCommands(ctx, client.CommandFilter{})
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "COMMAND\tAPPLICATION\tKIND\tPARAMETERS")
		for _, cmd := range cmds {
			params := make([]string, 0, len(cmd.Parameters))
			for _, p := range cmd.Parameters {
				s := p.Name + ":" + p.DType
				if !p.Required {
					s += "?"
				}
				params = append(params, s)
			}
			fmt.Fprintf(tw, "%s\t%s.%s\t%s\t%s\n",
				cmd.Name, cmd.ApplicationSlug, cmd.ApplicationVersion, cmd.ImplementedAs, strings.Join(params, " "))
		}
	case "calculations", "calcs":
		page, err := c.client.ListCalculations(ctx, 100, 0)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "ID\tCOMMAND\tSTATUS\tCREATED")
		for _, calc := range page.Items {
			fmt.Fprintf(tw, "%s\t%s.%s.%s\t%s\t%s\n", calc.CalculationID,
				calc.ApplicationSlug, calc.ApplicationVersion, calc.CommandName,
				calc.Status(), calc.CreatedAt.Local().Format(time.DateTime))
		}
	default:
		return fmt.Errorf("cannot list %q", args[0])
	}
	return nil
}

func (c *cli) invoke(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("invoke", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	wait := fs.Bool("wait", false, "wait for the calculation to finish")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("invoke needs a command name")
	}

	req, err := parseTarget(fs.Arg(0))
	if err != nil {
		return err
	}
	req.Arguments, err = parseArguments(fs.Args()[1:])
	if err != nil {
		return err
	}

	resp, err := c.client.InvokeCommand(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, resp.CalculationID)
	if !*wait {
		return nil
	}

	st, err := c.client.WaitForCalculation(ctx, resp.CalculationID, 500*time.Millisecond)
	if err != nil {
		return err
	}
	c.printStatus(st)
	if st.Status != client.StatusCompleted {
		return fmt.Errorf("calculation %s", st.Status)
	}
	return nil
}

func (c *cli) status(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	asJSON := fs.Bool("json", false, "print the full status as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("status needs a calculation id")
	}
	st, err := c.client.GetCalculation(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	c.printStatus(st)
	return nil
}

func (c *cli) printStatus(st *client.CalculationStatus) {
	fmt.Fprintf(c.out, "%s %s\n", st.CalculationID, st.Status)
	if st.Stdout != "" {
		fmt.Fprintln(c.out, "--- stdout")
		fmt.Fprint(c.out, ensureNewline(st.Stdout))
	}
	if st.Stderr != "" {
		fmt.Fprintln(c.out, "--- stderr")
		fmt.Fprint(c.out, ensureNewline(st.Stderr))
	}
}

func (c *cli) finalise(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("finalise needs a calculation id")
	}
	d, err := c.client.FinaliseCalculation(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s\n", d.CalculationID, d.Status)
	return nil
}

func (c *cli) cancel(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("cancel needs a calculation id")
	}
	d, err := c.client.CancelCalculation(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s\n", d.CalculationID, d.Status)
	return nil
}

// events prints status changes until interrupted.
func (c *cli) events(ctx context.Context) error {
	err := c.client.Events(ctx, func(ch client.StatusChange) error {
		fmt.Fprintf(c.out, "%s %s %s\n", ch.Timestamp.Local().Format(time.TimeOnly), ch.CalculationID, ch.Status)
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// parseTarget splits [slug.[version.]]command. Versions may contain dots,
// so everything between the first and the last dot is the version.
func parseTarget(s string) (client.InvokeRequest, error) {
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return client.InvokeRequest{}, fmt.Errorf("invalid command %q", s)
		}
	}
	switch len(parts) {
	case 1:
		return client.InvokeRequest{CommandName: parts[0]}, nil
	case 2:
		return client.InvokeRequest{ApplicationSlug: parts[0], CommandName: parts[1]}, nil
	default:
		return client.InvokeRequest{
			ApplicationSlug:    parts[0],
			ApplicationVersion: strings.Join(parts[1:len(parts)-1], "."),
			CommandName:        parts[len(parts)-1],
		}, nil
	}
}

// parseArguments turns key=value pairs into invocation arguments.
func parseArguments(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", pair)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("argument %q given twice", key)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
