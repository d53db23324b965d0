package main

import (
	"encoding/json"
	"flag"
	"log"
	"net"
	"os"
	"time"

	"github.com/GermanZvezdin/prun"
)

func submit(args []string) {
	fset := flag.NewFlagSet("submit", flag.ExitOnError)
	fset.Parse(args)
	fargs := fset.Args()
	if len(fargs) == 0 {
		log.Fatal("need a json file to submit")
	}
	payload, err := os.ReadFile(fargs[0])
	if err != nil {
		log.Fatal(err)
	}

	conn, err := net.DialTimeout("tcp", masterAddr(), 5*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	if err := prun.WriteFrame(conn, payload); err != nil {
		log.Fatal(err)
	}
	respPayload, err := prun.ReadFrame(conn)
	if err != nil {
		log.Fatal(err)
	}
	var resp prun.Response
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		log.Fatal(err)
	}
	code := prun.ErrCode(resp.Err)
	if code.Failed() {
		log.Fatalf("submission rejected: %v", code)
	}
	log.Print("submitted")
}
