package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/basekick-labs/canarc/internal/catalog"
	"github.com/basekick-labs/canarc/internal/config"
	"github.com/basekick-labs/canarc/internal/convert"
	"github.com/basekick-labs/canarc/internal/logger"
	"github.com/basekick-labs/canarc/internal/shutdown"
	"github.com/basekick-labs/canarc/internal/storage"
	"github.com/basekick-labs/canarc/internal/writer"
)

// Version is set at build time
var Version = "dev"

// options holds the parsed command line.
type options struct {
	configPath string
	input      string
	output     string
	dbc        dbcList
	timeres    int64
	logLevel   string
	overwrite  bool
	version    bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if opts.version {
		fmt.Println("canarc", Version)
		return
	}
	os.Exit(run(opts))
}

func parseFlags(args []string) (*options, error) {
	opts := &options{timeres: -1}
	fs := flag.NewFlagSet("canarc", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: canarc [options] -i trace.blf -o out{%s}\n\n", strings.Join(writer.Extensions(), "|"))
		fmt.Fprintln(fs.Output(), "Convert a BLF CAN trace to decoded signal time series.")
		fmt.Fprintln(fs.Output(), "A -b bus applies to the next -d database only; -d without -b applies to every bus.")
		fmt.Fprintln(fs.Output())
		fs.PrintDefaults()
	}

	bus := &busFlag{}
	for _, name := range []string{"i", "in"} {
		fs.StringVar(&opts.input, name, "", "input BLF file")
	}
	for _, name := range []string{"o", "out"} {
		fs.StringVar(&opts.output, name, "", "output file; the extension selects the format")
	}
	for _, name := range []string{"b", "bus"} {
		fs.Var(bus, name, "bus for the next database")
	}
	for _, name := range []string{"d", "dbc"} {
		fs.Var(&dbcFlag{list: &opts.dbc, bus: bus}, name, "DBC database (repeatable, also bus=path)")
	}
	for _, name := range []string{"t", "timeres"} {
		fs.Int64Var(&opts.timeres, name, -1, "time resolution in nanoseconds (default from config)")
	}
	fs.StringVar(&opts.configPath, "config", "", "config file (default ./canarc.toml if present)")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.BoolVar(&opts.overwrite, "overwrite", false, "replace an existing output")
	fs.BoolVar(&opts.version, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.version {
		return opts, nil
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.input == "" {
		return nil, fmt.Errorf("input file not specified (-i)")
	}
	if opts.output == "" {
		return nil, fmt.Errorf("output file not specified (-o)")
	}
	return opts, nil
}

func run(opts *options) int {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	applyFlags(cfg, opts)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Debug().Str("version", Version).Msg("Starting canarc")

	if len(cfg.Databases) == 0 {
		log.Error().Msg("No DBC database given (-d or databases in config)")
		return 1
	}
	cat, err := catalog.Load(cfg.Databases, logger.Get("catalog"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to load databases")
		return 1
	}

	key := opts.output
	if cfg.Storage.Backend == "local" {
		// Local outputs are plain paths: the directory becomes the base.
		cfg.Storage.LocalPath, key = filepath.Split(filepath.Clean(opts.output))
		if cfg.Storage.LocalPath == "" {
			cfg.Storage.LocalPath = "."
		}
	}
	backend, err := storage.New(&cfg.Storage, logger.Get("storage"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize storage")
		return 1
	}

	coord := shutdown.New(time.Duration(cfg.Shutdown.TimeoutSeconds)*time.Second, logger.Get("shutdown"))
	coord.Register("storage", backend, shutdown.PriorityStorage)
	ctx, stop := coord.Watch(context.Background())
	coord.RegisterHook("signals", func(context.Context) error {
		stop()
		return nil
	}, shutdown.PriorityUpload)
	defer coord.Shutdown()

	conv := convert.New(cat, backend, convert.Options{
		TimeResolution: cfg.Input.TimeResolutionNS,
		Overwrite:      cfg.Output.Overwrite,
		Writer: writer.Options{
			Compression:     cfg.Output.Compression,
			UseDictionary:   cfg.Output.UseDictionary,
			WriteStatistics: cfg.Output.WriteStatistics,
			DataPageVersion: cfg.Output.DataPageVersion,
			RowGroupRows:    cfg.Output.RowGroupRows,
		},
	}, logger.Get("convert"))

	res, err := conv.Run(ctx, opts.input, key)
	if err != nil {
		if sig := coord.Signal(); sig != nil {
			log.Warn().Str("signal", sig.String()).Msg("Conversion interrupted")
			return 130
		}
		log.Error().Err(err).Str("input", opts.input).Msg("Conversion failed")
		return 1
	}

	if err := json.NewEncoder(os.Stdout).Encode(res); err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to encode result: %v\n", err)
		return 1
	}
	return 0
}

// applyFlags lets command line options override the loaded config.
func applyFlags(cfg *config.Config, opts *options) {
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.timeres >= 0 {
		cfg.Input.TimeResolutionNS = opts.timeres
	}
	if len(opts.dbc) > 0 {
		cfg.Databases = append([]string(nil), opts.dbc...)
	}
	if opts.overwrite {
		cfg.Output.Overwrite = true
	}
}

// dbcList collects database assignments in catalog.ParseAssignment form.
type dbcList []string

// busFlag remembers the bus for the next -d.
type busFlag struct {
	pending string
}

func (b *busFlag) String() string { return b.pending }

func (b *busFlag) Set(v string) error {
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid bus %q", v)
	}
	b.pending = strconv.FormatUint(n, 10)
	return nil
}

type dbcFlag struct {
	list *dbcList
	bus  *busFlag
}

func (d *dbcFlag) String() string {
	if d.list == nil {
		return ""
	}
	return fmt.Sprint([]string(*d.list))
}

func (d *dbcFlag) Set(v string) error {
	if d.bus.pending != "" {
		v = d.bus.pending + "=" + v
		d.bus.pending = ""
	}
	if _, err := catalog.ParseAssignment(v); err != nil {
		return err
	}
	*d.list = append(*d.list, v)
	return nil
}
