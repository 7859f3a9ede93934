// batchctl is a small CLI over the batchd client library: submit items,
// fetch results, and read load/progress from a running server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"batchd/pkg/client"
	"batchd/pkg/task"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8700", "batchd base URL")
	timeout := flag.Duration("timeout", 30*time.Second, "fetch wait")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	c := client.New(*addr)
	ctx := context.Background()

	switch args[0] {
	case "load":
		load, err := c.Load(ctx)
		exitOn(err)
		fmt.Printf("%.3f\n", load)

	case "progress":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		var id uint64
		_, err := fmt.Sscanf(args[1], "%d", &id)
		exitOn(err)
		completed, total, err := c.Progress(ctx, id)
		exitOn(err)
		fmt.Printf("%d/%d\n", completed, total)

	case "submit":
		items := make([][]byte, 0, len(args)-1)
		for _, a := range args[1:] {
			items = append(items, []byte(a))
		}
		id, err := c.Submit(ctx, items)
		exitOn(err)
		fmt.Println(id)

	case "run":
		items := make([][]byte, 0, len(args)-1)
		for _, a := range args[1:] {
			items = append(items, []byte(a))
		}
		results, err := c.Batch(ctx, items, *timeout)
		exitOn(err)
		for i, r := range results {
			if r.Err != nil {
				fmt.Printf("%d\tERROR\t%s\n", i, r.Err.Message)
				continue
			}
			fmt.Printf("%d\t%s\n", i, r.Payload)
		}

	case "fetch":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		var id uint64
		_, err := fmt.Sscanf(args[1], "%d", &id)
		exitOn(err)
		results, err := c.Fetch(ctx, id, *timeout)
		exitOn(err)
		for i, r := range results {
			if r.Err != nil {
				fmt.Printf("%d\tERROR\t%s\n", i, r.Err.Message)
				continue
			}
			fmt.Printf("%d\t%s\n", i, r.Payload)
		}

	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: batchctl [-addr URL] [-timeout D] <command>

commands:
  submit <item>...    submit a batch, print its id
  fetch <id>          wait for and print a batch's results
  run <item>...       submit and fetch in one call
  progress <id>       print completed/total for a batch
  load                print current server load`)
}

func exitOn(err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, task.ErrNotFound):
		fmt.Fprintln(os.Stderr, "batchctl: batch not found")
	case errors.Is(err, task.ErrTimeout):
		fmt.Fprintln(os.Stderr, "batchctl: timed out waiting for batch")
	default:
		fmt.Fprintln(os.Stderr, "batchctl:", err)
	}
	os.Exit(1)
}
