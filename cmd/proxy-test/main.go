// Command proxy-test exercises a running proxywahl instance from the
// outside: it sends plain and CONNECT requests through the proxy and
// reports which ones succeeded, so routing configurations can be checked
// against live traffic.
package main

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/codefionn/proxywahl/proxywahl-srv/logger"
)

// CheckResult is the outcome of a single check against the proxy.
type CheckResult struct {
	Name     string        `json:"name"`
	Target   string        `json:"target"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Status   int           `json:"status,omitempty"`
}

type checker struct {
	proxyAddr string
	client    *http.Client
	timeout   time.Duration
	results   []CheckResult
}

func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:8080", "Proxy address (host:port)")
	targets := flag.String("targets", "http://example.com,https://example.com", "Comma-separated target URLs to request through the proxy")
	timeout := flag.Duration("timeout", 15*time.Second, "Per-request timeout")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	jsonOut := flag.Bool("json", false, "Print results as JSON")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	proxyURL, err := url.Parse("http://" + *proxyAddr)
	if err != nil {
		logger.Fatal("Invalid proxy address: %v", err)
	}

	c := &checker{
		proxyAddr: *proxyAddr,
		timeout:   *timeout,
		client: &http.Client{
			Timeout: *timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyURL(proxyURL),
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}

	logger.Info("Checking proxy at %s", *proxyAddr)

	for _, target := range strings.Split(*targets, ",") {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		c.checkGet(target)
	}
	c.checkRawConnect("example.com:443")

	failed := c.report(*jsonOut)
	if failed > 0 {
		os.Exit(1)
	}
}

// checkGet requests the target through the proxy. HTTPS targets exercise the
// CONNECT path, plain HTTP targets the forwarding path.
func (c *checker) checkGet(target string) {
	name := "forward"
	if strings.HasPrefix(target, "https://") {
		name = "connect"
	}

	start := time.Now()
	resp, err := c.client.Get(target)
	result := CheckResult{Name: name, Target: target, Duration: time.Since(start)}
	if err != nil {
		result.Error = err.Error()
		logger.Debug("GET %s failed: %v", target, err)
		c.results = append(c.results, result)
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	result.Status = resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 400
	logger.Debug("GET %s: %d in %s", target, resp.StatusCode, result.Duration)
	c.results = append(c.results, result)
}

// checkRawConnect opens a bare CONNECT tunnel and verifies the proxy answers
// with 200 Connection Established.
func (c *checker) checkRawConnect(target string) {
	start := time.Now()
	result := CheckResult{Name: "raw-connect", Target: target}

	conn, err := net.DialTimeout("tcp", c.proxyAddr, c.timeout)
	if err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		c.results = append(c.results, result)
		return
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Error("Error closing connection: %v", closeErr)
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		c.results = append(c.results, result)
		return
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target); err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		c.results = append(c.results, result)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		c.results = append(c.results, result)
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	result.Status = resp.StatusCode
	result.Success = resp.StatusCode == http.StatusOK
	if !result.Success {
		result.Error = fmt.Sprintf("proxy answered %s (X-Proxy-Error: %s)", resp.Status, resp.Header.Get("X-Proxy-Error"))
	}
	c.results = append(c.results, result)
}

// report prints the results and returns the number of failed checks.
func (c *checker) report(asJSON bool) int {
	failed := 0
	for _, r := range c.results {
		if !r.Success {
			failed++
		}
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(c.results); err != nil {
			logger.Error("Failed to encode results: %v", err)
		}
		return failed
	}

	fmt.Printf("\n%-12s %-40s %-8s %-10s %s\n", "CHECK", "TARGET", "STATUS", "DURATION", "ERROR")
	for _, r := range c.results {
		status := "-"
		if r.Status != 0 {
			status = fmt.Sprintf("%d", r.Status)
		}
		fmt.Printf("%-12s %-40s %-8s %-10s %s\n", r.Name, r.Target, status, r.Duration.Round(time.Millisecond), r.Error)
	}
	fmt.Printf("\n%d checks, %d failed\n", len(c.results), failed)
	return failed
}
