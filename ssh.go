package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

const maxSSHConns = 100

// SSHServer is an anonymous line-oriented chat: every line typed is one prompt.
type SSHServer struct {
	addr        string
	hostKeyPath string
	answer      Answerer
	limiter     *rateLimiter
	log         Logger
}

// NewSSHServer serves on addr. The host key is kept in hostKeyPath, created on first start;
// an empty path means a fresh key on every start.
func NewSSHServer(addr, hostKeyPath string, answer Answerer, limiter *rateLimiter, log Logger) *SSHServer {
	if log == nil {
		log = NopLogger()
	}
	return &SSHServer{addr: addr, hostKeyPath: hostKeyPath, answer: answer, limiter: limiter, log: log}
}

// ListenAndServe accepts connections until ctx is done.
func (s *SSHServer) ListenAndServe(ctx context.Context) error {
	config := &ssh.ServerConfig{
		NoClientAuth: true,
	}

	hostKey, err := loadOrCreateHostKey(s.hostKeyPath)
	if err != nil {
		return errors.Wrap(err, "failed to get host key")
	}
	config.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.addr)
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info("SSH server listening", "addr", ln.Addr().String())

	sem := make(chan struct{}, maxSSHConns)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("SSH accept failed", "error", err)
			continue
		}

		select {
		case sem <- struct{}{}:
			go func() {
				defer func() { <-sem }()
				s.handleConnection(ctx, conn, config)
			}()
		default:
			conn.Close()
		}
	}
}

func (s *SSHServer) handleConnection(ctx context.Context, netConn net.Conn, config *ssh.ServerConfig) {
	defer netConn.Close()

	if !s.limiter.Allow(netConn.RemoteAddr().String()) {
		netConn.Write([]byte("Rate limit exceeded\r\n"))
		return
	}

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		s.log.Debug("SSH handshake failed", "from", netConn.RemoteAddr().String(), "error", err)
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleSession(ctx, channel, requests)
	}
}

func (s *SSHServer) handleSession(ctx context.Context, channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	go func() {
		for req := range requests {
			switch req.Type {
			case "shell", "pty-req":
				req.Reply(true, nil)
			default:
				req.Reply(false, nil)
			}
		}
	}()

	fmt.Fprintf(channel, "Type your question and press Enter.\r\n")
	fmt.Fprintf(channel, "Exit: type 'exit', Ctrl+C, or Ctrl+D\r\n")
	fmt.Fprintf(channel, "> ")

	var input strings.Builder
	buf := make([]byte, 1024)

	for {
		n, err := channel.Read(buf)
		if err != nil {
			return
		}

		for _, ch := range string(buf[:n]) {
			switch {
			case ch == 3: // Ctrl+C
				fmt.Fprintf(channel, "^C\r\n")
				return
			case ch == '\n' || ch == '\r':
				fmt.Fprintf(channel, "\r\n")
				line := input.String()
				input.Reset()
				if strings.TrimSpace(line) == "exit" {
					return
				}
				if strings.TrimSpace(line) != "" {
					fmt.Fprintf(channel, "%s\r\n", s.ask(ctx, line))
				}
				fmt.Fprintf(channel, "> ")
			case ch == '\b' || ch == 127:
				if input.Len() > 0 {
					runes := []rune(input.String())
					input.Reset()
					input.WriteString(string(runes[:len(runes)-1]))
					fmt.Fprintf(channel, "\b \b")
				}
			default:
				fmt.Fprintf(channel, "%c", ch)
				input.WriteRune(ch)
			}
		}
	}
}

// ask answers one line the same way a TXT question would be answered.
func (s *SSHServer) ask(ctx context.Context, line string) string {
	prompt, err := extractPrompt(line)
	if err != nil {
		return "Error: " + err.Error()
	}
	answer, err := s.answer.Query(ctx, prompt)
	if err != nil {
		s.log.Warn("SSH query failed", "error", err)
		return "Error: " + err.Error()
	}
	return strings.ReplaceAll(answer, "\n", "\r\n")
}

// loadOrCreateHostKey reads a PEM private key from path, generating and saving one if the
// file does not exist yet.
func loadOrCreateHostKey(path string) (ssh.Signer, error) {
	if path == "" {
		return newHostKey()
	}

	pemBytes, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse host key %s", path)
		}
		return signer, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(err, "failed to read host key %s", path)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	block, err := ssh.MarshalPrivateKey(key, "llmdns host key")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode host key")
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, errors.Wrapf(err, "failed to write host key %s", path)
	}
	return ssh.NewSignerFromKey(key)
}

// newHostKey generates an ephemeral host key; clients see a new key after every restart.
func newHostKey() (ssh.Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(key)
}
