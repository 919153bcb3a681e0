// Command solctl is a standalone diagnostic CLI for a list of Solana RPC
// endpoints, ported from diagnose_rpc_endpoints.py: for each endpoint it
// connects, times getHealth/getVersion/getSlot/getBlock, flags SSL/rate-limit
// issues, and prints a colorized per-endpoint line plus a final summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/soleco-io/solana-gateway/internal/config"
	"github.com/soleco-io/solana-gateway/internal/rpcclient"
	"github.com/soleco-io/solana-gateway/internal/sslpolicy"
)

type testOutcome struct {
	name    string
	latency time.Duration
	err     error
}

type endpointReport struct {
	endpoint    string
	tests       []testOutcome
	sslIssue    bool
	rateLimited bool
	connectErr  error
}

func (r endpointReport) overallStatus() string {
	if r.connectErr != nil {
		return "failed"
	}
	successful := 0
	for _, t := range r.tests {
		if t.err == nil {
			successful++
		}
	}
	switch {
	case successful == len(r.tests) && len(r.tests) > 0:
		return "success"
	case successful > 0:
		return "partial"
	default:
		return "failed"
	}
}

func (r endpointReport) averageLatency() (time.Duration, bool) {
	var total time.Duration
	n := 0
	for _, t := range r.tests {
		if t.err == nil {
			total += t.latency
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return total / time.Duration(n), true
}

func diagnoseEndpoint(ctx context.Context, endpoint string, ssl *sslpolicy.Policy, verbose bool) endpointReport {
	report := endpointReport{endpoint: endpoint}
	if ssl.ShouldBypass(endpoint) {
		report.sslIssue = true
	}

	client := rpcclient.New(endpoint, rpcclient.WithTimeout(10*time.Second), rpcclient.WithSSLPolicy(ssl))
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	if err := client.Connect(connectCtx); err != nil {
		report.connectErr = err
		if isSSLIssue(err) {
			report.sslIssue = true
			ssl.AddBypassEndpoint(endpoint)
		}
		return report
	}
	defer client.Close()
	report.tests = append(report.tests, testOutcome{name: "connection", latency: time.Since(start)})

	report.runTest(ctx, "health", func(ctx context.Context) error { _, err := client.GetHealth(ctx); return err })
	report.runTest(ctx, "version", func(ctx context.Context) error { _, err := client.GetVersion(ctx); return err })

	var slot uint64
	report.runTest(ctx, "slot", func(ctx context.Context) error {
		s, err := client.GetSlot(ctx)
		slot = s
		return err
	})

	if slot > 10 {
		report.runTest(ctx, "block", func(ctx context.Context) error {
			_, err := client.GetBlock(ctx, slot-10, rpcclient.DefaultBlockOptions())
			return err
		})
	}

	for _, t := range report.tests {
		if t.err == nil {
			continue
		}
		msg := strings.ToLower(t.err.Error())
		if strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many request") || strings.Contains(msg, "429") {
			report.rateLimited = true
		}
		if isSSLIssue(t.err) {
			report.sslIssue = true
		}
	}
	if report.sslIssue && !ssl.ShouldBypass(endpoint) {
		ssl.AddBypassEndpoint(endpoint)
	}

	return report
}

func isSSLIssue(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "ssl") || strings.Contains(msg, "certificate") || strings.Contains(msg, "x509")
}

func (r *endpointReport) runTest(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	r.tests = append(r.tests, testOutcome{name: name, latency: time.Since(start), err: err})
}

func main() {
	endpointsFlag := flag.String("endpoints", "", "comma-separated endpoints to test (default: configured endpoints)")
	sslBypass := flag.Bool("ssl-bypass", false, "bypass SSL verification for all endpoints")
	verbose := flag.Bool("verbose", false, "print per-test latency detail")
	flag.Parse()

	endpoints := config.Load().Endpoints
	if *endpointsFlag != "" {
		endpoints = strings.Split(*endpointsFlag, ",")
	}

	ssl := sslpolicy.New()
	if *sslBypass {
		for _, e := range endpoints {
			ssl.AddBypassEndpoint(e)
		}
	}

	ctx := context.Background()
	var reports []endpointReport
	for _, e := range endpoints {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		fmt.Printf("diagnosing endpoint: %s\n", e)
		report := diagnoseEndpoint(ctx, e, ssl, *verbose)
		reports = append(reports, report)
		printEndpointLine(report, *verbose)
	}

	printSummary(reports)
}

func printEndpointLine(r endpointReport, verbose bool) {
	status := r.overallStatus()
	var statusPrinter func(format string, a ...any) string
	switch status {
	case "success":
		statusPrinter = color.New(color.FgGreen).SprintfFunc()
	case "partial":
		statusPrinter = color.New(color.FgYellow).SprintfFunc()
	default:
		statusPrinter = color.New(color.FgRed).SprintfFunc()
	}

	latencyStr := "N/A"
	if avg, ok := r.averageLatency(); ok {
		latencyStr = avg.Round(time.Millisecond).String()
	}

	issues := 0
	for _, t := range r.tests {
		if t.err != nil {
			issues++
		}
	}
	if r.connectErr != nil {
		issues++
	}

	fmt.Printf("%s %s - latency: %s, issues: %d\n", statusPrinter(strings.ToUpper(status)), r.endpoint, latencyStr, issues)

	if r.connectErr != nil {
		fmt.Printf("  - connection failed: %v\n", r.connectErr)
	}
	for _, t := range r.tests {
		if t.err != nil {
			fmt.Printf("  - %s failed: %v\n", t.name, t.err)
		} else if verbose {
			fmt.Printf("  - %s ok: %s\n", t.name, t.latency.Round(time.Millisecond))
		}
	}
	if r.sslIssue {
		color.New(color.FgMagenta).Printf("  - SSL issue detected, added to bypass list\n")
	}
	if r.rateLimited {
		color.New(color.FgYellow).Printf("  - rate limiting detected\n")
	}
}

func printSummary(reports []endpointReport) {
	total := len(reports)
	if total == 0 {
		fmt.Println("no endpoints to diagnose")
		return
	}

	var successful, partial, failed, sslIssues, rateLimited int
	var fastestEndpoint string
	fastestLatency := time.Duration(-1)

	for _, r := range reports {
		switch r.overallStatus() {
		case "success":
			successful++
		case "partial":
			partial++
		default:
			failed++
		}
		if r.sslIssue {
			sslIssues++
		}
		if r.rateLimited {
			rateLimited++
		}
		if avg, ok := r.averageLatency(); ok && (fastestLatency < 0 || avg < fastestLatency) {
			fastestLatency = avg
			fastestEndpoint = r.endpoint
		}
	}

	color.New(color.Bold).Println("\n=== DIAGNOSTICS SUMMARY ===")
	fmt.Printf("Total endpoints tested: %d\n", total)
	fmt.Printf("Successful: %d (%.1f%%)\n", successful, 100*float64(successful)/float64(total))
	fmt.Printf("Partial success: %d (%.1f%%)\n", partial, 100*float64(partial)/float64(total))
	fmt.Printf("Failed: %d (%.1f%%)\n", failed, 100*float64(failed)/float64(total))
	if sslIssues > 0 {
		fmt.Printf("SSL issues: %d (%.1f%%)\n", sslIssues, 100*float64(sslIssues)/float64(total))
	}
	if rateLimited > 0 {
		fmt.Printf("Rate limited: %d (%.1f%%)\n", rateLimited, 100*float64(rateLimited)/float64(total))
	}
	if fastestLatency >= 0 {
		fmt.Printf("\nFastest endpoint: %s (%s)\n", fastestEndpoint, fastestLatency.Round(time.Millisecond))
	}
	fmt.Println("========================")
}
