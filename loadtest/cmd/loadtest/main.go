// Command loadtest drives a gridchat server with simulated users.
//
//	loadtest saturate [options]   hold N idle connections open
//	loadtest rooms [options]      users join shared rooms and message them
package main

import (
	"fmt"
	"os"
	"sort"
)

var commands = map[string]struct {
	run  func(args []string)
	help string
}{
	"saturate": {runSaturate, "connection saturation, opens N idle connections"},
	"rooms":    {runRooms, "room fan-out, users join rooms and exchange messages"},
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		usage(os.Stdout)
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "loadtest: unknown command %q\n\n", name)
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd.run(os.Args[2:])
}

func usage(w *os.File) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "usage: loadtest <command> [options]")
	fmt.Fprintln(w)
	for _, name := range names {
		fmt.Fprintf(w, "  %-10s %s\n", name, commands[name].help)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "loadtest <command> -h lists the options of a command.")
}
