// Command nwscript-run is a thin host-process wrapper around package
// host's script driver: it loads a compiled script from a module
// directory, runs it, drains any deferred commands it registered, and
// optionally drops into an inspection console.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v3"

	"nwscript/host"
	"nwscript/vm"
)

func main() {
	app := &cli.Command{
		Name:  "nwscript-run",
		Usage: "load and execute a compiled NWScript image against the reference host driver",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "module", Aliases: []string{"m"}, Value: ".", Usage: "directory containing <name>.ncs + <name>.ncs.json script pairs"},
			&cli.StringFlag{Name: "home", Usage: "optional per-user override directory, checked before --module"},
			&cli.StringFlag{Name: "install", Usage: "optional base-install override directory, checked after --module"},
			&cli.StringFlag{Name: "log", Usage: "write structured logs here instead of stderr"},
			&cli.IntFlag{Name: "script-debug", Value: 0, Usage: "debug verbosity (0=off, 1=abort warnings, 2=+resume warnings, 3=+interactive console after run)"},
			&cli.BoolFlag{Name: "no-logo", Usage: "suppress the startup banner"},
		},
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "script"},
			&cli.StringArgs{Name: "params"},
		},
		Action: run,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "nwscript-run:", err)
		os.Exit(2)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	if !cmd.Bool("no-logo") {
		fmt.Println("nwscript-run — NWScript bytecode host driver")
	}

	if logPath := cmd.String("log"); logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "nwscript-run: opening --log target:", err)
			os.Exit(2)
		}
		defer f.Close()
		slog.SetDefault(slog.New(slog.NewTextHandler(f, nil)))
	}

	name := cmd.StringArg("script")
	if name == "" {
		fmt.Fprintln(os.Stderr, "usage: nwscript-run [flags] <script> [params...]")
		os.Exit(1)
	}
	params := cmd.StringArgs("params")

	source := newSearchPathSource(cmd.String("home"), cmd.String("module"), cmd.String("install"))
	if _, ok := source.ReadScript(name); !ok {
		fmt.Fprintf(os.Stderr, "nwscript-run: script %q not found under --home/--module/--install\n", name)
		os.Exit(1)
	}

	driver := host.NewBuiltinDriver(host.NewScriptCache(source), vm.InvalidObjectID)
	debugLevel := int(cmd.Int("script-debug"))

	ret, err := driver.RunScript(name, vm.InvalidObjectID, params, 0, vm.RunFlags(debugLevel))
	if err != nil {
		fmt.Fprintln(os.Stderr, "nwscript-run: script run failed:", err)
		os.Exit(2)
	}

	drainDeferred(driver)

	if debugLevel >= 3 {
		if consoleErr := runConsole(driver); consoleErr != nil && consoleErr != readline.ErrInterrupt {
			fmt.Fprintln(os.Stderr, "nwscript-run: console:", consoleErr)
		}
	}

	os.Exit(int(ret))
	return nil
}

// drainDeferred runs the main-loop protocol (arm pending deferrals, run
// down due timers, sleep) until the deferred-action wheel empties, so a
// DelayCommand/AssignCommand registered by the top-level script
// actually fires before the process exits rather than being silently
// dropped.
func drainDeferred(d *host.Driver) {
	for {
		d.InitiatePendingDeferredScriptSituations(time.Now())
		next, ok := d.RundownTimers(time.Now())
		if !ok && !d.HasPendingDeferred() {
			return
		}
		if ok && next > 0 {
			time.Sleep(next)
		}
	}
}

// runConsole is a minimal post-run inspection shell. The interpreter's
// ExecuteScript is all-or-nothing — once a script starts it runs to
// completion or abort, with no mid-instruction hook a single-step
// debugger could hang off — so the console lets an operator re-run
// further scripts and inspect the cache instead of stepping inside a
// running one.
func runConsole(d *host.Driver) error {
	rl, err := readline.New("nwscript-debug> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("entering interactive console (commands: run <script> [params...], cache, clear, quit)")
	for {
		line, err := rl.Readline()
		if err != nil {
			return err
		}
		switch {
		case line == "quit" || line == "exit":
			return nil
		case line == "cache":
			for _, n := range d.Names() {
				fmt.Println(" ", n)
			}
		case line == "clear":
			d.ClearScriptCache()
		case len(line) > 4 && line[:4] == "run ":
			args := splitFields(line[4:])
			if len(args) == 0 {
				fmt.Println("usage: run <script> [params...]")
				continue
			}
			ret, err := d.RunScript(args[0], vm.InvalidObjectID, args[1:], 0, 0)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("return:", ret)
			drainDeferred(d)
		case line == "":
		default:
			fmt.Println("unknown command:", line)
		}
	}
}

func splitFields(s string) []string {
	var out []string
	start := -1
	for i, r := range s {
		if r == ' ' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}
