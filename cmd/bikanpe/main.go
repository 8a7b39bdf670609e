// Command bikanpe runs the bi-kanpe real-time cue-card fabric: a
// director subcommand hosting the server hub, a caster subcommand
// connecting to one, and a listen subcommand for ad-hoc diagnostics.
//
// Grounded on the teacher's cmd/streamerbrainz/main.go (config-first
// CLI, -print-default-config/-version/-help, subcommand dispatch,
// errgroup + signal.NotifyContext coordinated shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/bikanpe/bikanpe/internal/config"
)

const version = "0.1.0"

const defaultConfigPath = "~/.config/bikanpe/config.yaml"

func printVersion() {
	fmt.Printf("bikanpe v%s\n", version)
	fmt.Println("real-time cue-card messaging fabric for live event production")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  bikanpe director [OPTIONS]")
	fmt.Println("  bikanpe caster [OPTIONS]")
	fmt.Println("  bikanpe listen [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  director hosts the server hub that fans cue cards out to connected casters.")
	fmt.Println("  caster connects to a director and renders directives for its monitors.")
	fmt.Println("  listen is a read-only diagnostic client for inspecting a director's traffic.")
	fmt.Println()
	fmt.Println("OPTIONS (director, caster):")
	fmt.Println("  -config string")
	fmt.Printf("        Path to YAML config file (default %q)\n", defaultConfigPath)
	fmt.Println("  -print-default-config")
	fmt.Println("        Print a default YAML config to stdout and exit")
	fmt.Println("  -log-level string")
	fmt.Println("        Override logging.level from config (error, warn, info, debug)")
	fmt.Println()
	fmt.Println("  -version   Print version and exit")
	fmt.Println("  -help      Print this help message")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "director":
		runSubcommand(os.Args[2:], runDirector)
	case "caster":
		runSubcommand(os.Args[2:], runCaster)
	case "listen":
		runListen(os.Args[2:])
	case "-version", "--version":
		printVersion()
	case "-help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// runSubcommand handles the shared -config/-print-default-config/
// -log-level/-version/-help flag surface for director and caster, then
// hands a validated Config to fn, which builds its own logger from it.
func runSubcommand(args []string, fn func(ctx context.Context, cfg config.Config) error) {
	fs := flag.NewFlagSet("bikanpe", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	printDefaultConfig := fs.Bool("print-default-config", false, "Print default YAML config and exit")
	logLevelOverride := fs.String("log-level", "", "Override logging.level from config")
	showVersion := fs.Bool("version", false, "Print version and exit")
	showHelp := fs.Bool("help", false, "Print help message")
	fs.Usage = printUsage
	_ = fs.Parse(args)

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}
	if *printDefaultConfig {
		b, err := yaml.Marshal(config.DefaultConfig())
		if err != nil {
			fmt.Fprintln(os.Stderr, "error: marshal default config:", err)
			os.Exit(1)
		}
		fmt.Println(string(b))
		return
	}

	path := *configPath
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := config.LoadConfigFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if *logLevelOverride != "" {
		cfg.Logging.Level = *logLevelOverride
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error: invalid config:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
