package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
)

func history(args []string) {
	fset := flag.NewFlagSet("history", flag.ExitOnError)
	fset.Parse(args)
	fargs := fset.Args()
	if len(fargs) == 0 {
		log.Fatal("need a job id")
	}

	resp, err := http.Get("http://" + adminAddr() + "/api/history/" + fargs[0])
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("no record for job %v", fargs[0])
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(body))
}
