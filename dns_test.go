package main

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAnswerer struct {
	mu      sync.Mutex
	answers map[string]string
	err     error
	prompts []string
}

func (f *fakeAnswerer) Query(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	if a, ok := f.answers[prompt]; ok {
		return a, nil
	}
	return "echo: " + prompt, nil
}

func (f *fakeAnswerer) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func newQuery(qtypes ...uint16) *dns.Msg {
	m := new(dns.Msg)
	m.Id = 0xbeef
	m.RecursionDesired = true
	for _, qt := range qtypes {
		m.Question = append(m.Question, dns.Question{Name: "what-is-go.", Qtype: qt, Qclass: dns.ClassINET})
	}
	return m
}

func txtAnswer(t *testing.T, rrs []dns.RR) string {
	t.Helper()
	var b strings.Builder
	for _, rr := range rrs {
		txt, ok := rr.(*dns.TXT)
		require.True(t, ok, "not a TXT record: %v", rr)
		b.WriteString(strings.Join(txt.Txt, ""))
	}
	return b.String()
}

func TestBuildResponseTXT(t *testing.T) {
	fa := &fakeAnswerer{}
	s := NewDNSServer("", fa, DNSServerOpts{}, nil)

	resp := s.buildResponse(context.Background(), newQuery(dns.TypeTXT))

	assert.Equal(t, uint16(0xbeef), resp.Id)
	assert.True(t, resp.Response)
	assert.True(t, resp.Authoritative)
	assert.True(t, resp.RecursionDesired)
	assert.False(t, resp.RecursionAvailable)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Question, 1)
	require.Len(t, resp.Answer, 1)

	hdr := resp.Answer[0].Header()
	assert.Equal(t, "what-is-go.", hdr.Name)
	assert.Equal(t, dns.TypeTXT, hdr.Rrtype)
	assert.Equal(t, uint16(dns.ClassINET), hdr.Class)
	assert.Equal(t, uint32(300), hdr.Ttl)
	assert.Equal(t, "echo: what-is-go", txtAnswer(t, resp.Answer))
	assert.Equal(t, []string{"what-is-go"}, fa.Prompts())
}

func TestBuildResponseLongAnswer(t *testing.T) {
	fa := &fakeAnswerer{answers: map[string]string{"what-is-go": strings.Repeat("g", 600)}}
	s := NewDNSServer("", fa, DNSServerOpts{}, nil)

	resp := s.buildResponse(context.Background(), newQuery(dns.TypeTXT))
	require.Len(t, resp.Answer, 3)
	for _, rr := range resp.Answer {
		for _, str := range rr.(*dns.TXT).Txt {
			assert.LessOrEqual(t, len(str), 250)
		}
	}
	assert.Equal(t, strings.Repeat("g", 600), txtAnswer(t, resp.Answer))
}

func TestBuildResponseNotImplemented(t *testing.T) {
	fa := &fakeAnswerer{}
	s := NewDNSServer("", fa, DNSServerOpts{}, nil)

	resp := s.buildResponse(context.Background(), newQuery(dns.TypeA))
	assert.Equal(t, dns.RcodeNotImplemented, resp.Rcode)
	assert.Empty(t, resp.Answer)
	assert.Len(t, resp.Question, 1)
	assert.Empty(t, fa.Prompts())
}

func TestBuildResponseMixedQuestions(t *testing.T) {
	fa := &fakeAnswerer{}
	s := NewDNSServer("", fa, DNSServerOpts{}, nil)

	resp := s.buildResponse(context.Background(), newQuery(dns.TypeTXT, dns.TypeA))
	assert.Len(t, resp.Question, 2)
	assert.Len(t, resp.Answer, 1)
	assert.Equal(t, dns.RcodeNotImplemented, resp.Rcode)
}

func TestBuildResponseLastRcodeWins(t *testing.T) {
	fa := &fakeAnswerer{err: errors.New("upstream down")}
	s := NewDNSServer("", fa, DNSServerOpts{}, nil)

	resp := s.buildResponse(context.Background(), newQuery(dns.TypeA, dns.TypeTXT))
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)

	resp = s.buildResponse(context.Background(), newQuery(dns.TypeTXT, dns.TypeA))
	assert.Equal(t, dns.RcodeNotImplemented, resp.Rcode)
}

func TestBuildResponseAnswererError(t *testing.T) {
	fa := &fakeAnswerer{err: errors.New("all models failed")}
	s := NewDNSServer("", fa, DNSServerOpts{}, nil)

	resp := s.buildResponse(context.Background(), newQuery(dns.TypeTXT))
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

func TestBuildResponseRootName(t *testing.T) {
	fa := &fakeAnswerer{}
	s := NewDNSServer("", fa, DNSServerOpts{}, nil)

	req := new(dns.Msg)
	req.SetQuestion(".", dns.TypeTXT)
	resp := s.buildResponse(context.Background(), req)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	assert.Empty(t, fa.Prompts())
}

func TestBuildResponseNoQuestions(t *testing.T) {
	s := NewDNSServer("", &fakeAnswerer{}, DNSServerOpts{}, nil)

	resp := s.buildResponse(context.Background(), new(dns.Msg))
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Question)
	assert.Empty(t, resp.Answer)
}

func TestBuildResponseEmptyAnswer(t *testing.T) {
	fa := &fakeAnswerer{answers: map[string]string{"what-is-go": ""}}
	s := NewDNSServer("", fa, DNSServerOpts{}, nil)

	resp := s.buildResponse(context.Background(), newQuery(dns.TypeTXT))
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

func TestTXTRecordsSurviveWire(t *testing.T) {
	answer := `path C:\temp "quoted" ünïcödé`
	fa := &fakeAnswerer{answers: map[string]string{"what-is-go": answer}}
	s := NewDNSServer("", fa, DNSServerOpts{}, nil)

	resp := s.buildResponse(context.Background(), newQuery(dns.TypeTXT))
	wire, err := resp.Pack()
	require.NoError(t, err)

	// Raw rdata: one length-prefixed string holding exactly the answer bytes.
	assert.Contains(t, string(wire), string([]byte{byte(len(answer))})+answer)
}

func startTestServer(t *testing.T, answer Answerer, opts DNSServerOpts) (*DNSServer, string) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewDNSServer("", answer, opts, nil)
	done := make(chan error, 1)
	go func() { done <- s.Serve(conn) }()
	t.Cleanup(func() {
		s.Shutdown()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s, s.Addr().String()
}

func TestServeOverUDP(t *testing.T) {
	_, addr := startTestServer(t, &fakeAnswerer{}, DNSServerOpts{})
	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}

	m := new(dns.Msg)
	m.SetQuestion("hello-world.", dns.TypeTXT)
	resp, _, err := client.Exchange(m, addr)
	require.NoError(t, err)
	assert.Equal(t, m.Id, resp.Id)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.True(t, resp.Authoritative)
	assert.Equal(t, "echo: hello-world", txtAnswer(t, resp.Answer))

	m = new(dns.Msg)
	m.SetQuestion("hello-world.", dns.TypeA)
	resp, _, err = client.Exchange(m, addr)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeNotImplemented, resp.Rcode)
}

func TestServeDropsGarbage(t *testing.T) {
	_, addr := startTestServer(t, &fakeAnswerer{}, DNSServerOpts{})

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, 512)
	_, err = conn.Read(buf)
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())

	// The server keeps serving after a bad datagram.
	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	m := new(dns.Msg)
	m.SetQuestion("still-alive.", dns.TypeTXT)
	resp, _, err := client.Exchange(m, addr)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
}

func TestServeBoundedInFlight(t *testing.T) {
	_, addr := startTestServer(t, &fakeAnswerer{}, DNSServerOpts{MaxInFlight: 1})
	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := new(dns.Msg)
			m.SetQuestion("bounded.", dns.TypeTXT)
			resp, _, err := client.Exchange(m, addr)
			if assert.NoError(t, err) {
				assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
			}
		}()
	}
	wg.Wait()
}

func TestServeRateLimited(t *testing.T) {
	_, addr := startTestServer(t, &fakeAnswerer{}, DNSServerOpts{Limiter: newRateLimiter(1, 1)})
	client := &dns.Client{Net: "udp", Timeout: 300 * time.Millisecond}

	m := new(dns.Msg)
	m.SetQuestion("first.", dns.TypeTXT)
	_, _, err := client.Exchange(m, addr)
	require.NoError(t, err)

	m = new(dns.Msg)
	m.SetQuestion("second.", dns.TypeTXT)
	_, _, err = client.Exchange(m, addr)
	assert.Error(t, err)
}

func TestShutdownIdempotent(t *testing.T) {
	s, _ := startTestServer(t, &fakeAnswerer{}, DNSServerOpts{})
	s.Shutdown()
	s.Shutdown()
}

func TestShutdownBeforeServe(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewDNSServer("", &fakeAnswerer{}, DNSServerOpts{}, nil)
	s.Shutdown()

	done := make(chan error, 1)
	go func() { done <- s.Serve(conn) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestBuildResponseCompressesNames(t *testing.T) {
	name := "a-rather-long-question-about-the-behaviour-of-name-compression."
	fa := &fakeAnswerer{answers: map[string]string{strings.TrimSuffix(name, "."): strings.Repeat("z", 4096)}}
	s := NewDNSServer("", fa, DNSServerOpts{}, nil)

	req := new(dns.Msg)
	req.SetQuestion(name, dns.TypeTXT)
	resp := s.buildResponse(context.Background(), req)
	require.Len(t, resp.Answer, 17)

	wire, err := resp.Pack()
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(wire), "behaviour"))

	resp.Compress = false
	plain, err := resp.Pack()
	require.NoError(t, err)
	assert.Less(t, len(wire), len(plain)-16*len("behaviour"))
}

func TestServeLargeAnswer(t *testing.T) {
	answer := strings.Repeat("long answer ", 400)[:4096]
	_, addr := startTestServer(t, &fakeAnswerer{answers: map[string]string{"big": answer}}, DNSServerOpts{})
	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second, UDPSize: dns.MaxMsgSize}

	m := new(dns.Msg)
	m.SetQuestion("big.", dns.TypeTXT)
	resp, _, err := client.Exchange(m, addr)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Equal(t, answer, txtAnswer(t, resp.Answer))
}

func TestNewDNSServerClampsChunkSize(t *testing.T) {
	s := NewDNSServer("", &fakeAnswerer{}, DNSServerOpts{Chunker: Chunker{MaxChunkSize: 300, MaxTotalSize: 4096}}, nil)
	assert.Equal(t, 255, s.chunker.MaxChunkSize)
}

func TestServeOversizedChunkSetting(t *testing.T) {
	answer := strings.Repeat("w", 300)
	_, addr := startTestServer(t, &fakeAnswerer{answers: map[string]string{"wide": answer}},
		DNSServerOpts{Chunker: Chunker{MaxChunkSize: 300, MaxTotalSize: 4096}})
	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second, UDPSize: dns.MaxMsgSize}

	m := new(dns.Msg)
	m.SetQuestion("wide.", dns.TypeTXT)
	resp, _, err := client.Exchange(m, addr)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 2)
	assert.Equal(t, answer, txtAnswer(t, resp.Answer))
}

func TestPackFallsBackToServfail(t *testing.T) {
	s := NewDNSServer("", &fakeAnswerer{}, DNSServerOpts{}, nil)
	req := newQuery(dns.TypeTXT)

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Answer = txtRecords("what-is-go.", []string{strings.Repeat("o", 300)})

	out, rcode, err := s.pack(req, resp)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeServerFailure, rcode)

	got := new(dns.Msg)
	require.NoError(t, got.Unpack(out))
	assert.Equal(t, req.Id, got.Id)
	assert.True(t, got.Response)
	assert.True(t, got.Authoritative)
	assert.Equal(t, dns.RcodeServerFailure, got.Rcode)
	assert.Equal(t, req.Question, got.Question)
	assert.Empty(t, got.Answer)
}

// gatedAnswerer holds every query until release is closed.
type gatedAnswerer struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedAnswerer) Query(_ context.Context, prompt string) (string, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return "late " + prompt, nil
}

func TestShutdownLetsRunningQueriesFinish(t *testing.T) {
	ga := &gatedAnswerer{started: make(chan struct{}), release: make(chan struct{})}
	s, addr := startTestServer(t, ga, DNSServerOpts{})
	client := &dns.Client{Net: "udp", Timeout: 5 * time.Second}

	type result struct {
		resp *dns.Msg
		err  error
	}
	done := make(chan result, 1)
	go func() {
		m := new(dns.Msg)
		m.SetQuestion("slow.", dns.TypeTXT)
		resp, _, err := client.Exchange(m, addr)
		done <- result{resp, err}
	}()

	select {
	case <-ga.started:
	case <-time.After(2 * time.Second):
		t.Fatal("query never reached the answerer")
	}
	s.Shutdown()
	close(ga.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, dns.RcodeSuccess, res.resp.Rcode)
	assert.Equal(t, "late slow", txtAnswer(t, res.resp.Answer))
}

func TestServeTwice(t *testing.T) {
	s, _ := startTestServer(t, &fakeAnswerer{}, DNSServerOpts{})

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	assert.Error(t, s.Serve(conn))
}

func TestAddrAfterBindFailure(t *testing.T) {
	s := NewDNSServer("127.0.0.1:99999", &fakeAnswerer{}, DNSServerOpts{}, nil)
	require.Error(t, s.ListenAndServe())

	done := make(chan net.Addr, 1)
	go func() { done <- s.Addr() }()
	select {
	case addr := <-done:
		assert.Nil(t, addr)
	case <-time.After(time.Second):
		t.Fatal("Addr blocked after a failed bind")
	}
}
