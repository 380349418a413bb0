package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "zephyrmesh-bench",
		Usage: "Create resources and push content updates against a node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "http://localhost:8080", Usage: "server address"},
			&cli.IntFlag{Name: "n", Value: 1000, Usage: "resources to create"},
			&cli.IntFlag{Name: "updates", Value: 4, Usage: "content updates per resource"},
			&cli.IntFlag{Name: "c", Value: 32, Usage: "concurrency"},
			&cli.IntFlag{Name: "val", Value: 128, Usage: "content size bytes"},
			&cli.StringFlag{Name: "context", Value: "bench", Usage: "path context of created resources"},
		},
		Action: bench,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type created struct {
	Resource struct {
		ID string `json:"id"`
	} `json:"resource"`
}

func bench(ctx context.Context, cmd *cli.Command) error {
	addr := cmd.String("addr")
	n, updates, conc, size := int(cmd.Int("n")), int(cmd.Int("updates")), int(cmd.Int("c")), int(cmd.Int("val"))
	scope := cmd.String("context")
	run := time.Now().UnixNano()

	client := &http.Client{Timeout: 10 * time.Second}
	var ops, failures atomic.Int64
	wg := sync.WaitGroup{}
	start := time.Now()
	ch := make(chan struct{}, conc)

	do := func(req *http.Request, want int) []byte {
		resp, err := client.Do(req)
		if err != nil {
			failures.Add(1)
			return nil
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != want {
			failures.Add(1)
			return nil
		}
		ops.Add(1)
		return body
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		ch <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()
			payload := bytes.Repeat([]byte{byte(rand.Intn(255))}, size)
			body, _ := json.Marshal(map[string]string{
				"path":    fmt.Sprintf("%s/r%d-%d@bench/main/", scope, run, i),
				"kind":    "knowledge",
				"content": string(payload),
			})
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/resources", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			raw := do(req, http.StatusCreated)
			var c created
			if raw == nil || json.Unmarshal(raw, &c) != nil || c.Resource.ID == "" {
				return
			}
			for u := 0; u < updates; u++ {
				payload := bytes.Repeat([]byte{byte(rand.Intn(255))}, size)
				req, _ := http.NewRequestWithContext(ctx, http.MethodPut, addr+"/resources/"+c.Resource.ID+"/content", bytes.NewReader(payload))
				do(req, http.StatusOK)
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d ops (%d failed) in %s (%.2f ops/s)\n", ops.Load(), failures.Load(), dur, float64(ops.Load())/dur.Seconds())
	return nil
}
