package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/koppelia/console"
	"github.com/gosuda/koppelia/koppelia"
	"github.com/gosuda/koppelia/message"
	"github.com/gosuda/koppelia/option"
)

var (
	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Follow state, stage and option changes on the console",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
	stateCmd = &cobra.Command{
		Use:   "state [key=value...]",
		Short: "Print the console state, or merge key=value pairs into it",
		RunE:  runState,
	}
	gotoCmd = &cobra.Command{
		Use:   "goto <stage>",
		Short: "Move every page to a stage",
		Args:  cobra.ExactArgs(1),
		RunE:  runGoto,
	}
	optionCmd = &cobra.Command{
		Use:   "option [name value]",
		Short: "List game options, or set one",
		Args:  cobra.RangeArgs(0, 2),
		RunE:  runOption,
	}
	devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "List the devices known to the console",
		Args:  cobra.NoArgs,
		RunE:  runDevices,
	}
)

var (
	flagWait       time.Duration
	flagReplace    bool
	flagOptionKind string
)

func init() {
	for _, c := range []*cobra.Command{stateCmd, gotoCmd, optionCmd, devicesCmd} {
		c.Flags().DurationVar(&flagWait, "wait", 5*time.Second, "how long to wait for the console")
	}
	stateCmd.Flags().BoolVar(&flagReplace, "replace", false, "replace the whole state instead of merging")
	optionCmd.Flags().StringVar(&flagOptionKind, "type", "", "option kind when setting: slider, switch, choices or none")
}

// connect starts an app and waits until the console connection is ready.
func connect(ctx context.Context, opts ...koppelia.Option) (*koppelia.App, error) {
	a, err := koppelia.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	ready := make(chan struct{})
	a.OnReady(func() { close(ready) })
	select {
	case <-ready:
		return a, nil
	case <-ctx.Done():
		_ = a.Close()
		return nil, fmt.Errorf("connect to console: %w", ctx.Err())
	}
}

func oneShot(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), flagWait)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	a, err := connect(ctx, koppelia.WithNavigate(func(path string) {
		fmt.Fprintf(out, "stage %s\n", path)
	}))
	if err != nil {
		return err
	}
	defer a.Close()

	unsubscribe := a.State().State().Subscribe(func(st map[string]any) {
		b, err := json.Marshal(st)
		if err != nil {
			log.Warn().Err(err).Msg("encode state")
			return
		}
		fmt.Fprintf(out, "state %s\n", b)
	})
	defer unsubscribe()
	a.Console().Core().OnRequest(func(req console.Request) {
		if req.Exec != message.ExecGameOptionNotification {
			return
		}
		b, _ := json.Marshal(req.Params)
		fmt.Fprintf(out, "option %s\n", b)
	})

	<-ctx.Done()
	return nil
}

func runState(cmd *cobra.Command, args []string) error {
	ctx, cancel := oneShot(cmd)
	defer cancel()
	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) > 0 {
		st, err := parsePairs(args)
		if err != nil {
			return err
		}
		req := message.NewRequest(message.ExecChangeState)
		req.AddParam("state", st)
		req.AddParam("update", !flagReplace)
		if _, err := a.Console().Request(ctx, req); err != nil {
			return fmt.Errorf("change state: %w", err)
		}
	}

	resp, err := a.Console().Request(ctx, message.NewRequest(message.ExecGetState))
	if err != nil {
		return fmt.Errorf("get state: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), resp.Param("state", map[string]any{}))
}

// parsePairs reads key=value arguments. Values are JSON when they parse as
// JSON and plain strings otherwise.
func parsePairs(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		out[k] = parseValue(v)
	}
	return out, nil
}

func parseValue(v string) any {
	var parsed any
	if err := json.Unmarshal([]byte(v), &parsed); err == nil {
		return parsed
	}
	return v
}

func runGoto(cmd *cobra.Command, args []string) error {
	ctx, cancel := oneShot(cmd)
	defer cancel()
	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Stage().GotoContext(ctx, args[0]); err != nil {
		return err
	}
	log.Info().Str("stage", args[0]).Msg("stage changed")
	return nil
}

func runOption(cmd *cobra.Command, args []string) error {
	ctx, cancel := oneShot(cmd)
	defer cancel()
	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	switch len(args) {
	case 1:
		return fmt.Errorf("option %q needs a value", args[0])
	case 2:
		kind := option.Kind(flagOptionKind)
		if !kind.Valid() {
			return fmt.Errorf("unknown option type %q", flagOptionKind)
		}
		if err := a.Options().SetOptionContext(ctx, args[0], parseValue(args[1]), kind, nil); err != nil {
			return err
		}
	}

	resp, err := a.Console().Request(ctx, message.NewRequest(message.ExecGetGameOptions))
	if err != nil {
		return fmt.Errorf("get options: %w", err)
	}
	all, _ := resp.Param("gameOptions", nil).(map[string]any)
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	out := cmd.OutOrStdout()
	for _, name := range names {
		b, _ := json.Marshal(all[name])
		fmt.Fprintf(out, "%s\t%s\n", name, b)
	}
	return nil
}

func runDevices(cmd *cobra.Command, _ []string) error {
	ctx, cancel := oneShot(cmd)
	defer cancel()
	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	devices, err := a.Devices(ctx)
	if err != nil {
		return err
	}
	list := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		list = append(list, d.ToObject())
	}
	return printJSON(cmd.OutOrStdout(), list)
}
