package main

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

const (
	answerTTL       = 300 // seconds
	maxTXTString    = 255 // one TXT character-string
	readBufferSize  = dns.DefaultMsgSize
	readErrorPause  = 100 * time.Millisecond
	dropParseFailed = "parse_error"
	dropNotQuery    = "not_query"
	dropRateLimited = "rate_limited"
)

// DNSServerOpts configures the optional parts of a DNSServer.
type DNSServerOpts struct {
	Chunker Chunker
	// MaxInFlight bounds concurrent query tasks. Zero means one task per datagram without
	// limit; otherwise the receive loop waits for a free slot before reading on.
	MaxInFlight int
	Limiter     *rateLimiter
	Hook        Hook
}

// DNSServer answers TXT questions over UDP by treating the question name as a prompt.
type DNSServer struct {
	addr    string
	answer  Answerer
	chunker Chunker
	limiter *rateLimiter
	sem     *semaphore.Weighted
	hook    Hook
	log     Logger

	mu        sync.Mutex
	conn      net.PacketConn
	quit      chan struct{}
	quitOnce  sync.Once
	tasks     sync.WaitGroup
	bound     chan struct{}
	boundOnce sync.Once
}

func NewDNSServer(addr string, answer Answerer, opts DNSServerOpts, log Logger) *DNSServer {
	if opts.Chunker.MaxChunkSize <= 0 || opts.Chunker.MaxTotalSize <= 0 {
		opts.Chunker = NewChunker()
	}
	if opts.Chunker.MaxChunkSize > maxTXTString {
		opts.Chunker.MaxChunkSize = maxTXTString
	}
	if opts.Hook == nil {
		opts.Hook = NewNoopHook()
	}
	if log == nil {
		log = NopLogger()
	}

	s := &DNSServer{
		addr:    addr,
		answer:  answer,
		chunker: opts.Chunker,
		limiter: opts.Limiter,
		hook:    opts.Hook,
		log:     log,
		quit:    make(chan struct{}),
		bound:   make(chan struct{}),
	}
	if opts.MaxInFlight > 0 {
		s.sem = semaphore.NewWeighted(int64(opts.MaxInFlight))
	}
	return s
}

// ListenAndServe binds the UDP address and serves until Shutdown is called.
func (s *DNSServer) ListenAndServe() error {
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		s.markBound()
		return errors.Wrapf(err, "failed to bind UDP socket on %s", s.addr)
	}
	return s.Serve(conn)
}

// Serve runs the receive loop on conn. Each parsed datagram is answered by its own goroutine;
// the loop does not wait for those. After Shutdown the loop returns, in-flight queries run to
// completion, and conn is closed once the last of them has written its response.
func (s *DNSServer) Serve(conn net.PacketConn) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return errors.New("DNS server is already serving")
	}
	s.conn = conn
	s.mu.Unlock()

	// Shutdown may have raced ahead of us.
	select {
	case <-s.quit:
		_ = conn.SetReadDeadline(time.Now())
	default:
	}
	s.markBound()

	defer func() {
		go func() {
			s.tasks.Wait()
			conn.Close()
		}()
	}()

	// Only the wait for a free task slot observes this; running queries never do.
	quitCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-quitCtx.Done():
		}
	}()

	s.log.Info("DNS server listening", "addr", conn.LocalAddr().String())

	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := conn.ReadFrom(buf)

		select {
		case <-s.quit:
			s.log.Info("shutdown signal received, stopping DNS server")
			return nil
		default:
		}

		if err != nil {
			s.log.Error("UDP socket error", "error", err)
			select {
			case <-s.quit:
			case <-time.After(readErrorPause):
			}
			continue
		}

		s.log.Debug("received datagram", "bytes", n, "from", addr.String())

		req := new(dns.Msg)
		if err := req.Unpack(buf[:n]); err != nil {
			s.log.Warn("failed to parse DNS message", "from", addr.String(), "error", err)
			s.hook.DatagramDropped(dropParseFailed)
			continue
		}
		if req.Response {
			s.hook.DatagramDropped(dropNotQuery)
			continue
		}

		if !s.limiter.Allow(addr.String()) {
			s.log.Debug("rate limit exceeded, dropping query", "from", addr.String())
			s.hook.DatagramDropped(dropRateLimited)
			continue
		}

		if s.sem != nil {
			if err := s.sem.Acquire(quitCtx, 1); err != nil {
				continue
			}
		}

		s.tasks.Add(1)
		go func() {
			defer s.tasks.Done()
			if s.sem != nil {
				defer s.sem.Release(1)
			}
			if err := s.respond(conn, addr, req); err != nil {
				s.log.Error("failed to handle DNS request", "from", addr.String(), "error", err)
			}
		}()
	}
}

// Shutdown stops the receive loop. It does not cancel or wait for queries already running,
// and is safe to call more than once.
func (s *DNSServer) Shutdown() {
	s.quitOnce.Do(func() {
		close(s.quit)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn != nil {
			_ = s.conn.SetReadDeadline(time.Now())
		}
	})
}

func (s *DNSServer) markBound() {
	s.boundOnce.Do(func() { close(s.bound) })
}

// Addr blocks until Serve has a socket and returns its local address. It returns nil when
// ListenAndServe failed to bind.
func (s *DNSServer) Addr() net.Addr {
	<-s.bound
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *DNSServer) respond(conn net.PacketConn, addr net.Addr, req *dns.Msg) error {
	// Shutdown never cancels a running query.
	resp := s.buildResponse(context.Background(), req)

	out, rcode, err := s.pack(req, resp)
	if err != nil {
		return err
	}
	if _, err := conn.WriteTo(out, addr); err != nil {
		return errors.Wrap(err, "failed to send response")
	}

	s.hook.QueryAnswered(rcode)
	s.log.Debug("sent response", "bytes", len(out), "to", addr.String(), "rcode", dns.RcodeToString[rcode])
	return nil
}

// pack serializes resp. If that fails the client still gets an answer: an empty SERVFAIL
// reply to req.
func (s *DNSServer) pack(req, resp *dns.Msg) ([]byte, int, error) {
	out, err := resp.Pack()
	if err == nil {
		return out, resp.Rcode, nil
	}
	s.log.Error("failed to serialize response, sending SERVFAIL", "error", err)

	fail := new(dns.Msg)
	fail.SetRcode(req, dns.RcodeServerFailure)
	fail.Question = append([]dns.Question(nil), req.Question...)
	fail.Authoritative = true
	fail.RecursionAvailable = false
	out, err = fail.Pack()
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to serialize response")
	}
	return out, fail.Rcode, nil
}

// buildResponse answers every question in req. The response code is a single field for the
// whole message, so when questions end differently the last one to set it wins.
func (s *DNSServer) buildResponse(ctx context.Context, req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Question = append([]dns.Question(nil), req.Question...)
	resp.Authoritative = true
	resp.RecursionAvailable = false
	// Every TXT record repeats the question name; compression points it back at the question.
	resp.Compress = true

	rcode := dns.RcodeSuccess
	for _, q := range req.Question {
		s.log.Debug("processing question", "name", q.Name, "type", dns.TypeToString[q.Qtype])

		if !isTXTQuery(q.Qtype) {
			s.log.Warn("unsupported query type", "name", q.Name, "type", dns.TypeToString[q.Qtype])
			rcode = dns.RcodeNotImplemented
			continue
		}

		records, err := s.resolve(ctx, q)
		if err != nil {
			s.log.Warn("failed to process query", "name", q.Name, "error", err)
			rcode = dns.RcodeServerFailure
			continue
		}
		resp.Answer = append(resp.Answer, records...)
	}

	resp.Rcode = rcode
	return resp
}

// resolve runs one TXT question through prompt extraction, the answerer and the chunker.
func (s *DNSServer) resolve(ctx context.Context, q dns.Question) ([]dns.RR, error) {
	prompt, err := extractPrompt(queryText(q.Name))
	if err != nil {
		return nil, err
	}
	s.log.Debug("parsed prompt", "prompt", prompt)

	answer, err := s.answer.Query(ctx, prompt)
	if err != nil {
		return nil, err
	}

	chunks, truncated := s.chunker.ChunkReport(answer)
	s.hook.AnswerChunked(len(chunks), truncated)
	if truncated {
		s.log.Debug("answer truncated", "bytes", len(answer), "limit", s.chunker.MaxTotalSize)
	}

	s.log.Info("processed query", "prompt", prompt, "chunks", len(chunks))
	return txtRecords(q.Name, chunks), nil
}

// txtRecords makes one TXT record per chunk. miekg/dns reads backslash escapes in TXT
// strings, so backslashes are doubled to put the chunk bytes on the wire unchanged.
func txtRecords(name string, chunks []string) []dns.RR {
	records := make([]dns.RR, 0, len(chunks))
	for _, chunk := range chunks {
		records = append(records, &dns.TXT{
			Hdr: dns.RR_Header{
				Name:   name,
				Rrtype: dns.TypeTXT,
				Class:  dns.ClassINET,
				Ttl:    answerTTL,
			},
			Txt: []string{strings.ReplaceAll(chunk, `\`, `\\`)},
		})
	}
	return records
}
