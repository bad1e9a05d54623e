//go:build ignore

// probe-dns.go bulk-checks DNS propagation for a list of hostnames against
// the Canopy edge target. Useful when debugging a wave of stuck
// verifications: it tells apart "tenant never published records" from
// "records exist but point at the wrong place".
//
// Run with: go run scripts/probe-dns.go shop.example.com www.other.com
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	edgeCNAME = "edge.canopy.site"
	txtPrefix = "_canopy-verify."
)

type probeResult struct {
	host   string
	txt    []string
	target string
	err    error
}

func main() {
	hosts := os.Args[1:]
	if len(hosts) == 0 {
		fmt.Fprintln(os.Stderr, "usage: go run scripts/probe-dns.go <hostname> [hostname...]")
		os.Exit(2)
	}

	resolver := net.DefaultResolver
	sem := make(chan struct{}, 8)
	results := make([]probeResult, len(hosts))
	var wg sync.WaitGroup

	for i, host := range hosts {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			r := probeResult{host: host}
			r.txt, _ = resolver.LookupTXT(ctx, txtPrefix+host)

			cname, err := resolver.LookupCNAME(ctx, host)
			if err != nil {
				addrs, aerr := resolver.LookupHost(ctx, host)
				if aerr != nil {
					r.err = err
				} else {
					r.target = strings.Join(addrs, ",")
				}
			} else {
				r.target = strings.TrimSuffix(cname, ".")
			}
			results[i] = r
		}(i, host)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].host < results[j].host })

	for _, r := range results {
		fmt.Printf("%s\n", r.host)
		if r.err != nil {
			fmt.Printf("  ERROR  %v\n", r.err)
			continue
		}
		if len(r.txt) == 0 {
			fmt.Printf("  TXT    %s: absent\n", txtPrefix+r.host)
		} else {
			fmt.Printf("  TXT    %s: %s\n", txtPrefix+r.host, strings.Join(r.txt, " | "))
		}
		mark := " "
		if strings.EqualFold(r.target, edgeCNAME) {
			mark = "✓"
		}
		fmt.Printf("  TARGET %s %s\n", r.target, mark)
	}
}
