package main

import (
	"log"
	"os"
)

func main() {
	log.SetFlags(0)
	args := os.Args[1:]
	if len(args) == 0 {
		log.Fatal("need a subcommand: [submit, list, workers, history, stop]")
	}

	subcmd := args[0]
	switch subcmd {
	case "submit":
		submit(args[1:])
	case "list":
		list(args[1:])
	case "workers":
		workers(args[1:])
	case "history":
		history(args[1:])
	case "stop":
		stop(args[1:])
	default:
		log.Fatalf("unknown subcommand: %s", subcmd)
	}
}

// masterAddr is the admission endpoint of the master.
func masterAddr() string {
	addr := os.Getenv("PRUN_ADDR")
	if addr == "" {
		addr = "localhost:5555"
	}
	return addr
}

// adminAddr is the HTTP admin endpoint of the master.
func adminAddr() string {
	addr := os.Getenv("PRUN_ADMIN_ADDR")
	if addr == "" {
		addr = "localhost:8282"
	}
	return addr
}
