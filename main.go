package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grizzy255/wg-quickrs-router/cmd"
)

const defaultConfigFile = "/etc/wg-quickrs/gateway.hcl"

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", defaultConfigFile, "Configuration file")
		startFlags.StringVar(configFile, "c", defaultConfigFile, "Configuration file (short)")
		startFlags.Parse(os.Args[2:])

		if err := cmd.RunStart(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		configFile := statusFlags.String("config", defaultConfigFile, "Configuration file")
		statusFlags.StringVar(configFile, "c", defaultConfigFile, "Configuration file (short)")
		showPlan := statusFlags.Bool("plan", false, "Show the pending reconcile plan")
		statusFlags.Parse(os.Args[2:])

		if err := cmd.RunStatus(*configFile, *showPlan); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}

	case "teardown":
		teardownFlags := flag.NewFlagSet("teardown", flag.ExitOnError)
		configFile := teardownFlags.String("config", defaultConfigFile, "Configuration file")
		teardownFlags.StringVar(configFile, "c", defaultConfigFile, "Configuration file (short)")
		drain := teardownFlags.Duration("drain", 0, "Wait this long before removing routing state")
		teardownFlags.Parse(os.Args[2:])

		if err := cmd.RunTeardown(*configFile, *drain); err != nil {
			fmt.Fprintf(os.Stderr, "Teardown failed: %v\n", err)
			os.Exit(1)
		}

	case "version":
		fmt.Println(version)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `wg-quickrs-router - WireGuard policy-routing gateway

Usage:
  wg-quickrs-router start    [-c config]          Run the routing daemon
  wg-quickrs-router status   [-c config] [-plan]  Show mode, peers, pending changes
  wg-quickrs-router teardown [-c config] [-drain 30s]  Remove all routing state
  wg-quickrs-router version                       Print version
`)
}
