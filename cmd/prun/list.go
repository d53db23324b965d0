package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"
)

type listResponse struct {
	Queued []struct {
		ID       int64  `json:"id"`
		Name     string `json:"name"`
		Lang     string `json:"lang"`
		NumNodes int    `json:"num_nodes"`
	} `json:"queued"`
	Cron []struct {
		Name     string    `json:"name"`
		Deadline time.Time `json:"deadline"`
		Meta     bool      `json:"meta"`
	} `json:"cron"`
}

func list(args []string) {
	fset := flag.NewFlagSet("list", flag.ExitOnError)
	fset.Parse(args)

	resp, err := http.Get("http://" + adminAddr() + "/api/jobs")
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()

	var jobs listResponse
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		log.Fatal(err)
	}
	if len(jobs.Queued) == 0 && len(jobs.Cron) == 0 {
		fmt.Println("no job to show")
		return
	}
	for _, j := range jobs.Queued {
		fmt.Printf("[%v] %v lang=%v nodes=%v\n", j.ID, j.Name, j.Lang, j.NumNodes)
	}
	for _, c := range jobs.Cron {
		kind := "cron"
		if c.Meta {
			kind = "meta"
		}
		fmt.Printf("(%v) %v - next fire %v\n", kind, c.Name, c.Deadline.Format(time.RFC3339))
	}
}
