package main

import (
	"flag"
	"fmt"
	"os"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults when empty)")
	importPath := flag.String("import", "", "JSON file of executions to import at startup")
	monitor := flag.Bool("monitor", true, "Start position monitoring at startup and reconnect after connection loss")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("live_server version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if err := run(options{configPath: *configPath, importPath: *importPath, monitor: *monitor}); err != nil {
		fmt.Fprintf(os.Stderr, "live_server: %v\n", err)
		os.Exit(1)
	}
}
