package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
)

type workerRow struct {
	Host        string `json:"host"`
	State       string `json:"state"`
	Outstanding int    `json:"outstanding"`
}

func workers(args []string) {
	fset := flag.NewFlagSet("workers", flag.ExitOnError)
	fset.Parse(args)

	resp, err := http.Get("http://" + adminAddr() + "/api/workers")
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()

	var rows []workerRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		log.Fatal(err)
	}
	if len(rows) == 0 {
		fmt.Println("no worker to show")
		return
	}
	for _, w := range rows {
		fmt.Printf("%v %v tasks=%v\n", w.Host, w.State, w.Outstanding)
	}
}
