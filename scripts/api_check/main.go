// api_check probes a running decision core over HTTP and prints a short
// status line per endpoint.
//
// Usage:
//
//	go run ./scripts/api_check -base http://localhost:8080
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	base := flag.String("base", "http://localhost:8080", "decision core base URL")
	flag.Parse()

	endpoints := []string{
		"/health",
		"/api/system/status",
		"/api/metrics",
		"/api/orders?limit=5",
		"/api/orders/active",
		"/api/exits",
		"/api/filter/stats",
	}

	client := &http.Client{Timeout: 5 * time.Second}
	failures := 0
	for _, ep := range endpoints {
		url := strings.TrimRight(*base, "/") + ep
		resp, err := client.Get(url)
		if err != nil {
			fmt.Printf("FAIL %-24s %v\n", ep, err)
			failures++
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()

		status := "OK  "
		if resp.StatusCode != http.StatusOK {
			status = "FAIL"
			failures++
		}
		fmt.Printf("%s %-24s %d %s\n", status, ep, resp.StatusCode, oneLine(body))
	}
	if failures > 0 {
		os.Exit(1)
	}
}

func oneLine(b []byte) string {
	s := strings.Join(strings.Fields(string(b)), " ")
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
