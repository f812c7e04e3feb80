// udpft: file transfer over UDP.
//
// A server exposes one directory; a client asks for a file by name and
// rebuilds it from the chunk datagrams the server pushes back.
//
// Usage:   udpft server [DIR]              (serve DIR on udp/9091)
//
//	udpft client [SERVER]           (interactive)
//	udpft get SERVER report.txt     (one-shot)
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
)

// ─────────────────────────────────────────────────────────────────────────────
// SERVER
// ─────────────────────────────────────────────────────────────────────────────

func runServer(cfg *config) int {
	sc := &cfg.Server
	listen, err := resolveUDPAddr(sc.Listen, cfg.Port)
	if err != nil {
		srvrLog.Criticalf("Invalid listen address %q: %v", sc.Listen, err)
		return 1
	}
	srv, err := NewServer(ServerConfig{
		Dir:         sc.Args.Dir,
		Listen:      listen,
		BufferSize:  cfg.BufferSize,
		ChunkSize:   sc.ChunkSize,
		MaxFileSize: sc.MaxFileSize,
		Pace:        sc.Pace,
		SockBuf:     cfg.SockBuf,
		TOS:         cfg.TOS,
	}, srvrLog)
	if err != nil {
		srvrLog.Criticalf("Unable to start server: %v", err)
		return 1
	}
	defer srv.Close()

	if !sc.NoAnnounce {
		resp := newResponder(sc.Name, srv.Addr().Port, mcastPort, discLog)
		if err := resp.Start(); err != nil {
			discLog.Warnf("Discovery disabled: %v", err)
		} else {
			defer resp.Stop()
		}
	}

	interrupt := interruptSignal()
	go func() {
		<-interrupt
		srvrLog.Infof("Received shutdown signal")
		srv.Close()
	}()

	fmt.Printf("UDPFT  |  %s  |  %v  |  serving %s\n", sc.Name, srv.Addr(), srv.cfg.Dir)
	fmt.Println("Waiting for requests... (Ctrl-C to stop)")
	if err := srv.Serve(); err != nil {
		srvrLog.Errorf("Server loop failed: %v", err)
		return 1
	}
	srvrLog.Infof("Server stopped")
	return 0
}

// ─────────────────────────────────────────────────────────────────────────────
// CLIENT SESSION
// ─────────────────────────────────────────────────────────────────────────────

// session is the client side of the console: the options, and the client of
// the server currently in use, if any.
type session struct {
	cfg    *config
	opts   ClientOptions
	client *Client
	out    io.Writer
}

// resolveServer maps a SERVER argument onto an address. Anything that looks
// like an address is used as is; a bare word is first looked up among the
// servers answering discovery, then resolved as a hostname.
func resolveServer(target string, port int) (*net.UDPAddr, error) {
	if target == "" {
		return nil, errors.New("no server given")
	}
	if strings.HasPrefix(target, "/") || strings.Contains(target, ":") || net.ParseIP(target) != nil {
		return resolveUDPAddr(target, port)
	}
	peers, err := findServers(mcastPort, discoveryWait, discLog)
	if err != nil {
		discLog.Debugf("Discovery failed: %v", err)
	}
	if p := findPeer(peers, target); p != nil {
		return p.Addr(), nil
	}
	return resolveUDPAddr(target, port)
}

func (s *session) connect(target string) error {
	addr, err := resolveServer(target, s.cfg.Port)
	if err != nil {
		return err
	}
	c, err := NewClient(ClientConfig{
		Server:      addr,
		BufferSize:  s.cfg.BufferSize,
		SockBuf:     s.cfg.SockBuf,
		TOS:         s.cfg.TOS,
		Policy:      s.opts.policy(),
		OutDir:      s.opts.OutDir,
		DropRate:    s.opts.DropRate,
		MaxFileSize: s.opts.MaxSize,
	}, clntLog)
	if err != nil {
		return err
	}
	if !s.opts.Quiet {
		c.onProgress = progressPrinter(os.Stderr)
	}
	s.close()
	s.client = c
	return nil
}

func (s *session) close() {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

func (s *session) download(name string) error {
	if s.client == nil {
		return errors.New("not connected, use 'use <server>' first")
	}
	res, err := s.client.Download(name)
	if err != nil {
		clntLog.Warnf("Download of %q failed: %v", name, err)
		return err
	}
	clntLog.Infof("[%s] Saved %s (%d bytes, %d chunks)", res.ID, res.Path, res.Size, res.Chunks)
	dt := res.Elapsed.Seconds()
	var speed float64
	if dt > 0 {
		speed = float64(res.Size) / dt
	}
	fmt.Fprintf(s.out, "  Done  %s  %s in %s  (%s/s)\n", res.Path,
		strings.TrimSpace(fmtSize(float64(res.Size))), fmtTime(dt), strings.TrimSpace(fmtSize(speed)))
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// INTERACTIVE REPL
// ─────────────────────────────────────────────────────────────────────────────

const replHelp = `
Commands:
  download <file> [<file>...]       Download files from the current server
  servers                           List servers answering on the network
  use <server>                      Switch server (host[:port], multiaddr or name)
  quiet                             Toggle progress bars
  help                              Show this message
  exit                              Quit
`

func splitArgs(line string) []string {
	// simple shell-like split: respect "quoted strings"
	var parts []string
	var cur strings.Builder
	inQ := false
	for _, c := range line {
		switch {
		case c == '"':
			inQ = !inQ
		case c == ' ' && !inQ:
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(c)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func printServers(out io.Writer) {
	found, err := findServers(mcastPort, discoveryWait, discLog)
	if err != nil {
		fmt.Fprintf(out, "  Discovery failed: %v\n", err)
		return
	}
	if len(found) == 0 {
		fmt.Fprintln(out, "  No servers answered")
		return
	}
	fmt.Fprintf(out, "\n  %-20s  %-16s  PORT\n", "NAME", "IP")
	fmt.Fprintln(out, "  "+strings.Repeat("-", 44))
	for _, p := range found {
		fmt.Fprintf(out, "  %-20s  %-16s  %d\n", p.Name, p.Host, p.Port)
	}
	fmt.Fprintln(out)
}

func runInteractive(cfg *config, in io.Reader, out io.Writer) int {
	s := &session{cfg: cfg, opts: cfg.Client.ClientOptions, out: out}
	defer s.close()

	if target := cfg.Client.Args.Server; target != "" {
		if err := s.connect(target); err != nil {
			fmt.Fprintf(out, "  Cannot use %s: %v\n", target, err)
		}
	}

	server := "none"
	if s.client != nil {
		server = s.client.Server().String()
	}
	fmt.Fprintf(out, "UDPFT  |  server %s  |  saving to %s\n", server, s.opts.OutDir)
	fmt.Fprintln(out, "Ready. Type 'help' for commands.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "udpft> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := splitArgs(line)
		if len(parts) == 0 {
			continue
		}
		cmd := strings.ToLower(parts[0])
		rest := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Fprintln(out, "\nBye.")
			return 0
		case "help", "h", "?":
			fmt.Fprint(out, replHelp)
		case "servers":
			printServers(out)
		case "use":
			if len(rest) != 1 {
				fmt.Fprintln(out, "  Usage: use <server>")
				break
			}
			if err := s.connect(rest[0]); err != nil {
				fmt.Fprintf(out, "  Cannot use %s: %v\n", rest[0], err)
				break
			}
			fmt.Fprintf(out, "  -> %v\n", s.client.Server())
		case "download", "get":
			if len(rest) == 0 {
				fmt.Fprintln(out, "  Usage: download <file> [<file>...]")
				break
			}
			for _, name := range rest {
				if err := s.download(name); err != nil {
					fmt.Fprintf(out, "  Download failed: %v\n", err)
				}
			}
		case "quiet":
			s.opts.Quiet = !s.opts.Quiet
			if s.client != nil {
				s.client.onProgress = nil
				if !s.opts.Quiet {
					s.client.onProgress = progressPrinter(os.Stderr)
				}
			}
			fmt.Fprintf(out, "  Quiet mode: %v\n", s.opts.Quiet)
		default:
			fmt.Fprintf(out, "  Unknown command: '%s'  (type 'help')\n", cmd)
		}
	}
	fmt.Fprintln(out, "\nBye.")
	return 0
}

// runGet downloads every named file, and fails if any of them failed.
func runGet(cfg *config, out io.Writer) int {
	g := &cfg.Get
	s := &session{cfg: cfg, opts: g.ClientOptions, out: out}
	defer s.close()
	if err := s.connect(g.Args.Server); err != nil {
		fmt.Fprintf(os.Stderr, "Cannot use %s: %v\n", g.Args.Server, err)
		return 1
	}
	t0 := time.Now()
	failed := 0
	for _, name := range g.Args.Names {
		if err := s.download(name); err != nil {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", name, err)
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "\n%d of %d download(s) failed\n", failed, len(g.Args.Names))
		return 1
	}
	fmt.Fprintf(out, "\n%d file(s) in %s\n", len(g.Args.Names), fmtTime(time.Since(t0).Seconds()))
	return 0
}

// ─────────────────────────────────────────────────────────────────────────────
// ENTRY POINT
// ─────────────────────────────────────────────────────────────────────────────

func udpftMain(args []string) int {
	cfg, cmd, err := loadConfig(args)
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) {
			// go-flags has already printed it.
			if ferr.Type == flags.ErrHelp {
				return 0
			}
			return 1
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := setLogLevels(cfg.DebugLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if cfg.LogDir != "" {
		if err := initLogRotator(cfg.LogDir); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer closeLogRotator()
	}

	switch cmd {
	case "server":
		return runServer(cfg)
	case "client":
		return runInteractive(cfg, os.Stdin, os.Stdout)
	case "get":
		return runGet(cfg, os.Stdout)
	}
	fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
	return 1
}

func main() {
	os.Exit(udpftMain(os.Args[1:]))
}
