package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
)

func stop(args []string) {
	fset := flag.NewFlagSet("stop", flag.ExitOnError)
	fset.Parse(args)
	fargs := fset.Args()
	if len(fargs) == 0 {
		log.Fatal("need a job name to stop")
	}

	resp, err := http.Post("http://"+adminAddr()+"/api/stop/"+fargs[0], "", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		log.Fatalf("stop failed: %v", resp.Status)
	}
	fmt.Println("stopped")
}
