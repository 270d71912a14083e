// Package syslog is a TCP/TLS newline-delimited line listener: it accepts
// connections, reads one line at a time, and hands each non-empty line to a
// Handler. It knows nothing about syslog's RFC5424 framing — the name
// reflects the wire shape (line-oriented, optionally TLS, usually port 6514)
// that adapters/syslogsrc repurposes to carry plain numeric samples instead
// of log messages.
package syslog

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Handler is invoked once per line received on any accepted connection.
type Handler interface {
	Handle(message string)
}

// Server accepts line-oriented connections and dispatches to a Handler.
type Server struct {
	addr    string
	tlsConf *tls.Config
	handler Handler
	log     *zap.Logger

	ln        net.Listener
	wg        sync.WaitGroup
	stop      chan struct{}
	allowList []netip.Prefix // empty => allow all
}

// New constructs a listener for addr; tlsConf may be nil for plain TCP.
func New(addr string, tlsConf *tls.Config, h Handler) *Server {
	return &Server{addr: addr, tlsConf: tlsConf, handler: h, log: zap.NewNop(), stop: make(chan struct{})}
}

// SetLogger attaches a structured logger for connection/accept diagnostics;
// without one, Server logs nothing.
func (s *Server) SetLogger(log *zap.Logger) {
	if log != nil {
		s.log = log
	}
}

// Start binds the listener and begins accepting connections in the
// background; it stops when ctx is canceled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	var err error
	if s.tlsConf != nil {
		s.ln, err = tls.Listen("tcp", s.addr, s.tlsConf)
	} else {
		s.ln, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		return err
	}
	s.log.Info("line listener started", zap.String("addr", s.addr), zap.Bool("tls", s.tlsConf != nil))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				select {
				case <-s.stop:
					return
				default:
				}
				continue
			}
			s.wg.Add(1)
			go s.handleConn(conn)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	return nil
}

func (s *Server) handleConn(c net.Conn) {
	defer s.wg.Done()
	defer c.Close()

	if len(s.allowList) > 0 {
		ra := c.RemoteAddr()
		var ipStr string
		if ta, ok := ra.(*net.TCPAddr); ok && ta.IP != nil {
			ipStr = ta.IP.String()
		} else {
			host, _, _ := net.SplitHostPort(ra.String())
			ipStr = host
		}
		if ipStr != "" {
			if ip, err := netip.ParseAddr(ipStr); err == nil {
				allowed := false
				for _, pfx := range s.allowList {
					if pfx.Contains(ip) {
						allowed = true
						break
					}
				}
				if !allowed {
					s.log.Warn("dropped connection, not in allow-list", zap.String("addr", ipStr))
					return
				}
			}
		}
	}

	r := bufio.NewReader(c)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.log.Debug("connection read error", zap.Error(err))
			}
			return
		}
		msg := strings.TrimRight(line, "\r\n")
		if s.handler != nil && msg != "" {
			s.handler.Handle(msg)
		}
	}
}

// Stop closes the listener and waits for all connection handlers to exit.
func (s *Server) Stop() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.wg.Wait()
	return nil
}

// SetAllowList restricts accepted connections to the given CIDRs or single
// IPs (converted to /32 or /128). An empty list allows all peers.
func (s *Server) SetAllowList(prefixes []string) {
	s.allowList = s.allowList[:0]
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if pfx, err := netip.ParsePrefix(p); err == nil {
			s.allowList = append(s.allowList, pfx)
			continue
		}
		if ip, err := netip.ParseAddr(p); err == nil {
			bits := 32
			if ip.Is6() {
				bits = 128
			}
			s.allowList = append(s.allowList, netip.PrefixFrom(ip, bits))
		}
	}
}
