package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// newClient reads datagrams of any size. Answers can exceed 4096 bytes on the wire and the
// server never sets TC.
func newClient() *dns.Client {
	return &dns.Client{Net: "udp", Timeout: 45 * time.Second, UDPSize: dns.MaxMsgSize}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: selftest <server:port> [question]")
		fmt.Println("Example: selftest 127.0.0.1:5353 what-is-dns")
		os.Exit(1)
	}

	server := os.Args[1]
	question := "what-is-two-plus-two"
	if len(os.Args) > 2 {
		question = os.Args[2]
	}

	client := newClient()
	passed := 0
	failed := 0

	// Test 1: TXT question gets an answer
	fmt.Print("Testing TXT query... ")
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(question), dns.TypeTXT)
	resp, _, err := client.Exchange(msg, server)
	switch {
	case err != nil:
		fmt.Printf("✗ (%v)\n", err)
		failed++
	case resp.Rcode != dns.RcodeSuccess:
		fmt.Printf("✗ (rcode %s)\n", dns.RcodeToString[resp.Rcode])
		failed++
	case len(resp.Answer) == 0:
		fmt.Println("✗ (no answer records)")
		failed++
	default:
		var answer strings.Builder
		ok := true
		for _, rr := range resp.Answer {
			txt, isTXT := rr.(*dns.TXT)
			if !isTXT {
				ok = false
				break
			}
			answer.WriteString(strings.Join(txt.Txt, ""))
		}
		if ok && resp.Authoritative && answer.Len() > 0 {
			fmt.Printf("✓ (%d records)\n", len(resp.Answer))
			passed++
		} else {
			fmt.Println("✗ (unexpected response)")
			failed++
		}
	}

	// Test 2: other query types are not implemented
	fmt.Print("Testing A query... ")
	msg = new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(question), dns.TypeA)
	resp, _, err = client.Exchange(msg, server)
	if err == nil && resp.Rcode == dns.RcodeNotImplemented && len(resp.Answer) == 0 {
		fmt.Println("✓")
		passed++
	} else if err != nil {
		fmt.Printf("✗ (%v)\n", err)
		failed++
	} else {
		fmt.Printf("✗ (rcode %s)\n", dns.RcodeToString[resp.Rcode])
		failed++
	}

	// Summary
	fmt.Printf("\nTests passed: %d/%d\n", passed, passed+failed)
	if failed > 0 {
		os.Exit(1)
	}
}
