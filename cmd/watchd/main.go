// Command watchd is the filesystem-monitor daemon: it loads settings, wires
// one worker per configured path set, and serves the controller's verb
// surface over standard input until `exit` or termination.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/inocore/inocore/cmd"
	"github.com/inocore/inocore/pkg/config"
	"github.com/inocore/inocore/pkg/controller"
	"github.com/inocore/inocore/pkg/delay"
	"github.com/inocore/inocore/pkg/eventlog"
	"github.com/inocore/inocore/pkg/ievent"
	"github.com/inocore/inocore/pkg/kernel"
	"github.com/inocore/inocore/pkg/logging"
	"github.com/inocore/inocore/pkg/observer"
	"github.com/inocore/inocore/pkg/route"
	"github.com/inocore/inocore/pkg/schedule"
	"github.com/inocore/inocore/pkg/tracker"
	"github.com/inocore/inocore/pkg/transport"
	"github.com/inocore/inocore/pkg/watch"
	"github.com/inocore/inocore/pkg/worker"
)

var configPath string
var envPath string
var extraPaths []string

var rootCommand = &cobra.Command{
	Use:          "watchd",
	Short:        "watchd monitors configured paths and serves the controller's verb surface",
	Args:         cmd.DisallowArguments,
	RunE:         cmd.Mainify(run),
	SilenceUsage: true,
}

func init() {
	flags := rootCommand.Flags()
	flags.StringVar(&configPath, "config", "watchd.yaml", "path to the daemon's YAML configuration")
	flags.StringVar(&envPath, "env", ".env", "path to an optional .env overlay")
	flags.StringArrayVar(&extraPaths, "watch", nil, "an additional path to watch at startup (may be repeated)")

	// Treat "-" and "_" interchangeably in long flag names, the same
	// normalization the underlying pflag.FlagSet supports for flags read
	// from a mixed-convention environment.
	flags.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		cmd.Fatal(err)
	}
}

func run(_ *cobra.Command, _ []string) error {
	settings, err := config.Load(configPath, envPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	level, _ := logging.NameToLevel(settings.LogLevel)
	logger := logging.NewLogger(level, os.Stderr)

	trk := buildTracker(settings, logger)
	obs := observer.New(
		time.Duration(settings.ObserverMinInterval),
		time.Duration(settings.ObserverMaxInterval),
		settings.ObserverThreshold,
		logger,
	)
	obs.Start(context.Background())
	defer obs.Stop()

	evLog, queryable, err := buildEventLog(settings, logger)
	if err != nil {
		return err
	}

	routes, err := buildRoutes(settings, logger)
	if err != nil {
		return err
	}

	trackerPattern := combinedTrackerPattern(settings)

	ctrl := controller.New(makeFactory(time.Duration(settings.Hold), routes, trk, trackerPattern, evLog, obs, logger), trk, logger)

	startupPaths := append(append([]string(nil), settings.Paths...), extraPaths...)
	if len(startupPaths) > 0 {
		if err := ctrl.Watch("", startupPaths); err != nil {
			return fmt.Errorf("watch configured paths: %w", err)
		}
	}

	serveControlLoop(ctrl, queryable, logger)
	ctrl.Exit()
	return nil
}

// makeFactory returns a controller.Factory building one fully wired worker
// per call: its own inotify instance, watch manager, and delay buffer with
// the given hold, sharing the configured routes, tracker, event log, and
// observer.
func makeFactory(hold time.Duration, routes []*route.Route, trk *tracker.Tracker, trackerPattern *regexp.Regexp, evLog *eventlog.Log, obs *observer.Observer, logger *logging.Logger) controller.Factory {
	return func(id string) (*worker.Worker, error) {
		instance, err := kernel.New()
		if err != nil {
			return nil, fmt.Errorf("inotify_init1: %w", err)
		}
		manager := watch.New(instance, logger.Sublogger(id))

		return worker.New(worker.Config{
			ID:             id,
			Kernel:         instance,
			Manager:        manager,
			Buffer:         delay.New(hold, 0),
			Routes:         routes,
			Tracker:        trk,
			TrackerPattern: trackerPattern,
			EventLog:       evLog,
			Observer:       obs,
			Logger:         logger.Sublogger(id),
		}), nil
	}
}

// combinedTrackerPattern returns a single regexp that matches any path any
// configured tracker pattern would match, used by the worker as a cheap
// pre-filter before it ever calls into the tracker (which re-matches
// against the individual patterns to pick a parser).
func combinedTrackerPattern(settings config.Settings) *regexp.Regexp {
	if len(settings.TrackerPatterns) == 0 {
		return nil
	}
	parts := make([]string, 0, len(settings.TrackerPatterns))
	for _, p := range settings.TrackerPatterns {
		parts = append(parts, "(?:"+p.Pattern+")")
	}
	return regexp.MustCompile(strings.Join(parts, "|"))
}

func buildTracker(settings config.Settings, logger *logging.Logger) *tracker.Tracker {
	if len(settings.TrackerPatterns) == 0 {
		return nil
	}
	patterns := make([]tracker.Pattern, 0, len(settings.TrackerPatterns))
	for _, p := range settings.TrackerPatterns {
		var format tracker.Format
		switch p.Format {
		case "ini":
			format = tracker.FormatINI
		case "json":
			format = tracker.FormatJSON
		default:
			format = tracker.FormatGeneric
		}
		patterns = append(patterns, tracker.Pattern{Regexp: regexp.MustCompile(p.Pattern), Format: format})
	}
	return tracker.New(patterns, settings.TrackerMaxDepth, logger)
}

// buildEventLog returns the worker-facing Log plus, when the primary sink
// is queryable (the in-memory default; a FileSink is append-only and is
// not), the sink the `query` verb reads from.
func buildEventLog(settings config.Settings, logger *logging.Logger) (*eventlog.Log, eventlog.Queryable, error) {
	if settings.EventLogPath == "" {
		sink := &eventlog.MemorySink{}
		return eventlog.New(sink, nil, logger), sink, nil
	}
	primary, err := eventlog.NewFileSink(settings.EventLogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open event log %q: %w", settings.EventLogPath, err)
	}
	var aux eventlog.Sink
	if settings.EventLogAuxPath != "" {
		aux, err = eventlog.NewFileSink(settings.EventLogAuxPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open aux event log %q: %w", settings.EventLogAuxPath, err)
		}
	}
	return eventlog.New(primary, aux, logger), nil, nil
}

// stdoutTransport renders a route's payload to standard output, the
// simplest concrete leaf absent any configured external transport (which
// are out of scope for this daemon).
var stdoutTransport = transport.Func(func(tag, payload string, _ map[string]interface{}) error {
	_, err := fmt.Fprintf(os.Stdout, "[%s] %s\n", tag, payload)
	return err
})

func buildRoutes(settings config.Settings, logger *logging.Logger) ([]*route.Route, error) {
	configs := make([]route.Config, 0, len(settings.Routes))
	for _, r := range settings.Routes {
		mask, err := ievent.MaskFromNames(r.Events)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", r.Tag, err)
		}

		scheduler, err := buildScheduler(r, logger)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", r.Tag, err)
		}

		configs = append(configs, route.Config{
			Tag:       r.Tag,
			Pattern:   r.Pattern,
			Mask:      mask,
			Format:    r.Format,
			Scheduler: scheduler,
		})
	}
	return route.Compile(configs)
}

func buildScheduler(r config.RouteSpec, logger *logging.Logger) (schedule.Scheduler, error) {
	fields := strings.Fields(r.Scheduler)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty scheduler spec")
	}

	switch fields[0] {
	case "direct":
		return &schedule.Direct{Tag: r.Tag, Format: r.Format, Transport: stdoutTransport, Logger: logger}, nil
	case "hist":
		if len(fields) != 4 {
			return nil, fmt.Errorf("histogram scheduler requires \"hist CAP INT KEY\", got %q", r.Scheduler)
		}
		capacity, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid histogram capacity %q: %w", fields[1], err)
		}
		interval, err := time.ParseDuration(fields[2])
		if err != nil {
			return nil, fmt.Errorf("invalid histogram interval %q: %w", fields[2], err)
		}
		return schedule.NewHistogram(r.Tag, r.Format, capacity, interval, fields[3], stdoutTransport, logger), nil
	default:
		return nil, fmt.Errorf("unknown scheduler kind %q", fields[0])
	}
}

// stdinIsInteractive reports whether standard input is an interactive
// terminal (as opposed to a pipe or redirected file), in which case
// serveControlLoop prints a prompt between commands.
func stdinIsInteractive() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// serveControlLoop implements the controller's CLI surface over standard
// input: exit, checkout, list, clear, stop, recover, watch, query.
func serveControlLoop(ctrl *controller.Controller, queryable eventlog.Queryable, logger *logging.Logger) {
	interactive := stdinIsInteractive()
	scanner := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			fmt.Fprint(os.Stderr, "watchd> ")
		}
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		verb := fields[0]
		args := fields[1:]

		if verb == "exit" {
			return
		}
		if err := dispatchVerb(ctrl, queryable, verb, args); err != nil {
			logger.Warnf("watchd: %s: %v", verb, err)
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
}

func dispatchVerb(ctrl *controller.Controller, queryable eventlog.Queryable, verb string, args []string) error {
	switch verb {
	case "checkout":
		return verbCheckout(ctrl, args)
	case "list":
		return verbList(ctrl, args)
	case "clear":
		return verbClear(ctrl, args)
	case "stop":
		return verbStop(ctrl, args)
	case "recover":
		return verbRecover(ctrl, args)
	case "watch":
		return verbWatch(ctrl, args)
	case "query":
		return verbQuery(queryable, args)
	default:
		return fmt.Errorf("unknown verb %q", verb)
	}
}

func verbQuery(queryable eventlog.Queryable, args []string) error {
	if queryable == nil {
		return fmt.Errorf("query requires an in-memory event log; this daemon is configured with a file-backed (append-only) log")
	}
	opts := controller.QueryOptions{}
	if v := flagValue(args, "--from_time"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid --from_time %q: %w", v, err)
		}
		opts.FromTime = n
	}
	if v := flagValue(args, "--to_time"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid --to_time %q: %w", v, err)
		}
		opts.ToTime = n
	}
	opts.Pattern = flagValue(args, "--pattern")
	opts.Mask = flagValue(args, "--mask")
	if v := flagValue(args, "--pid"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid --pid %q: %w", v, err)
		}
		opts.PID = n
	}

	rows, err := controller.Query(queryable, opts)
	if err != nil {
		return err
	}
	for _, row := range rows {
		fmt.Printf("%s %s %s -> %s\n", row.Key, row.Mask.Name(), row.SrcPath, row.DestPath)
	}
	return nil
}

func verbCheckout(ctrl *controller.Controller, args []string) error {
	path, flags := splitTrailingFlag(args, "-v")
	if path == "" {
		return fmt.Errorf("usage: checkout <path> -v <n>")
	}
	version := -1
	if flags != "" {
		v, err := strconv.Atoi(flags)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", flags, err)
		}
		version = v
	}
	content, err := ctrl.Checkout(path, version)
	if err != nil {
		return err
	}
	fmt.Printf("%v\n", content)
	return nil
}

func verbList(ctrl *controller.Controller, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: list {tracker|worker}")
	}
	switch args[0] {
	case "tracker":
		paths, err := ctrl.ListTracker()
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Println(p)
		}
	case "worker":
		for _, w := range ctrl.ListWorker() {
			fmt.Printf("%s crashed=%v paths=%v\n", w.ID, w.Crashed, w.Paths)
		}
	default:
		return fmt.Errorf("usage: list {tracker|worker}")
	}
	return nil
}

func verbClear(ctrl *controller.Controller, args []string) error {
	if len(args) != 1 || args[0] != "tracker" {
		return fmt.Errorf("usage: clear tracker")
	}
	return ctrl.ClearTracker()
}

func verbStop(ctrl *controller.Controller, args []string) error {
	tid := flagValue(args, "-t")
	if tid == "" {
		return fmt.Errorf("usage: stop -t <tid>")
	}
	return ctrl.Stop(tid)
}

func verbRecover(ctrl *controller.Controller, args []string) error {
	return ctrl.Recover(flagValue(args, "-t"))
}

func verbWatch(ctrl *controller.Controller, args []string) error {
	paths, flags := splitTrailingFlag(args, "-t")
	if paths == "" {
		return fmt.Errorf("usage: watch <paths...> -t <tid>")
	}
	return ctrl.Watch(flags, strings.Fields(paths))
}

// flagValue returns the value following the named flag, or "" if absent.
func flagValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// splitTrailingFlag separates a "<positional...> -flag value" argument list
// into the positional portion (space-joined) and the flag's value.
func splitTrailingFlag(args []string, flag string) (string, string) {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return strings.Join(args[:i], " "), args[i+1]
		}
	}
	return strings.Join(args, " "), ""
}
