package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "udpft.conf"
	defaultLogLevel       = "info"
	defaultPort           = 9091
	defaultBufferSize     = 4096
	defaultSockBuf        = 4 * 1024 * 1024
	defaultMaxFileSize    = 1 << 30 // 1 GiB

	// Largest UDP payload over IPv4.
	maxBufferSize = 65507
	minBufferSize = 64
)

// config is the global option set. Defaults are filled in before the config
// file and the command line are applied on top.
type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical, off}, or SUBSYS=level pairs separated by commas"`
	LogDir     string `long:"logdir" description:"Also write logs to a rotating file in this directory"`
	Port       int    `short:"p" long:"port" description:"UDP port of the transfer service"`
	BufferSize int    `long:"buffersize" description:"Maximum datagram size in bytes"`
	SockBuf    int    `long:"sockbuf" description:"Kernel socket buffer size in bytes (0 leaves the system default)"`
	TOS        int    `long:"tos" description:"IPv4 TOS byte for outgoing datagrams (0 leaves it unset)"`

	Server serverCommand `command:"server" description:"Serve the files of a directory"`
	Client clientCommand `command:"client" description:"Interactive download console"`
	Get    getCommand    `command:"get" description:"Download files and exit"`
}

type serverCommand struct {
	Listen      string        `long:"listen" description:"Address to listen on: host, host:port or /ip4/<addr>/udp/<port> (default all interfaces)"`
	MaxFileSize int64         `long:"maxfilesize" description:"Largest file the server will send, in bytes"`
	ChunkSize   int           `long:"chunksize" description:"Chunk payload size in bytes (0 derives it from the buffer size)"`
	Pace        time.Duration `long:"pace" description:"Delay between chunk datagrams"`
	Name        string        `long:"name" description:"Name announced to discovery queries (default hostname)"`
	NoAnnounce  bool          `long:"noannounce" description:"Do not answer discovery queries"`

	Args struct {
		Dir string `positional-arg-name:"DIR" description:"Directory to serve (default current directory)"`
	} `positional-args:"yes"`
}

// ClientOptions are shared by the client and get commands.
type ClientOptions struct {
	Attempts int           `long:"attempts" description:"Attempts per send or receive"`
	Timeout  time.Duration `long:"timeout" description:"Wait per receive attempt"`
	Backoff  time.Duration `long:"backoff" description:"Pause after a failed attempt"`
	OutDir   string        `long:"outdir" description:"Directory downloads are written to"`
	DropRate float64       `long:"droprate" description:"Fraction of received datagrams to drop, for loss experiments"`
	MaxSize  int64         `long:"maxfilesize" description:"Largest file the client will accept, in bytes"`
	Quiet    bool          `short:"q" long:"quiet" description:"Do not draw progress bars"`
}

func (o *ClientOptions) policy() RetryPolicy {
	return RetryPolicy{MaxAttempts: o.Attempts, Timeout: o.Timeout, Backoff: o.Backoff}
}

type clientCommand struct {
	ClientOptions

	Args struct {
		Server string `positional-arg-name:"SERVER" description:"host, host:port, multiaddr or discovered server name"`
	} `positional-args:"yes"`
}

type getCommand struct {
	ClientOptions

	Args struct {
		Server string   `positional-arg-name:"SERVER" description:"host, host:port, multiaddr or discovered server name"`
		Names  []string `positional-arg-name:"NAME" description:"Files to download"`
	} `positional-args:"yes" required:"yes"`
}

func defaultClientOptions() ClientOptions {
	p := defaultRetryPolicy()
	return ClientOptions{
		Attempts: p.MaxAttempts,
		Timeout:  p.Timeout,
		Backoff:  p.Backoff,
		OutDir:   ".",
		MaxSize:  defaultMaxFileSize,
	}
}

func defaultConfig() config {
	cfg := config{
		ConfigFile: defaultConfigFilename,
		DebugLevel: defaultLogLevel,
		Port:       defaultPort,
		BufferSize: defaultBufferSize,
		SockBuf:    defaultSockBuf,
	}
	cfg.Server.MaxFileSize = defaultMaxFileSize
	cfg.Server.Args.Dir = "."
	if host, err := os.Hostname(); err == nil {
		cfg.Server.Name = host
	}
	cfg.Client.ClientOptions = defaultClientOptions()
	cfg.Get.ClientOptions = defaultClientOptions()
	return cfg
}

// loadConfig parses args on top of the defaults and the config file, then
// validates the result. It returns the name of the selected command.
//
// The config file is located with a first pass over the command line, so
// that flags given there always win over values from the file.
func loadConfig(args []string) (*config, string, error) {
	cfg := defaultConfig()

	var pre struct {
		ConfigFile string `short:"C" long:"configfile"`
	}
	pre.ConfigFile = cfg.ConfigFile
	preParser := flags.NewParser(&pre, flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		return nil, "", err
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if err := flags.NewIniParser(parser).ParseFile(pre.ConfigFile); err != nil {
		var perr *fs.PathError
		explicit := pre.ConfigFile != defaultConfigFilename
		if !errors.As(err, &perr) || explicit {
			return nil, "", fmt.Errorf("config file %s: %w", pre.ConfigFile, err)
		}
	}

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, "", err
	}
	if parser.Active == nil {
		return nil, "", errors.New("no command given")
	}

	if err := validateConfig(&cfg, parser.Active.Name); err != nil {
		return nil, "", err
	}
	return &cfg, parser.Active.Name, nil
}

func validateConfig(cfg *config, command string) error {
	switch {
	case cfg.Port < 1 || cfg.Port > 65535:
		return fmt.Errorf("invalid port %d", cfg.Port)
	case cfg.BufferSize < minBufferSize || cfg.BufferSize > maxBufferSize:
		return fmt.Errorf("buffer size must be between %d and %d, got %d",
			minBufferSize, maxBufferSize, cfg.BufferSize)
	case cfg.SockBuf < 0:
		return fmt.Errorf("socket buffer size must not be negative, got %d", cfg.SockBuf)
	case cfg.TOS < 0 || cfg.TOS > 255:
		return fmt.Errorf("TOS must be between 0 and 255, got %d", cfg.TOS)
	}

	switch command {
	case "server":
		s := &cfg.Server
		if s.ChunkSize != 0 {
			if err := validateChunkCapacity(s.ChunkSize, cfg.BufferSize); err != nil {
				return err
			}
		}
		if s.MaxFileSize <= 0 {
			return fmt.Errorf("max file size must be positive, got %d", s.MaxFileSize)
		}
		chunk := s.ChunkSize
		if chunk == 0 {
			chunk = defaultChunkCapacity(cfg.BufferSize)
		}
		if limit := maxChunkedSize(chunk); s.MaxFileSize > limit {
			return fmt.Errorf("max file size %d exceeds %d, the most %d-byte chunks can carry",
				s.MaxFileSize, limit, chunk)
		}
		if s.Pace < 0 {
			return fmt.Errorf("pace must not be negative, got %v", s.Pace)
		}
		fi, err := os.Stat(s.Args.Dir)
		if err != nil {
			return fmt.Errorf("directory %s: %w", s.Args.Dir, err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("%s is not a directory", s.Args.Dir)
		}

	case "client":
		return validateClientOptions(&cfg.Client.ClientOptions)

	case "get":
		if len(cfg.Get.Args.Names) == 0 {
			return errors.New("get needs at least one file name")
		}
		return validateClientOptions(&cfg.Get.ClientOptions)
	}
	return nil
}

func validateClientOptions(o *ClientOptions) error {
	if err := o.policy().validate(); err != nil {
		return err
	}
	if o.MaxSize <= 0 {
		return fmt.Errorf("max file size must be positive, got %d", o.MaxSize)
	}
	if o.DropRate < 0 || o.DropRate >= 1 {
		return fmt.Errorf("drop rate must be in [0, 1), got %v", o.DropRate)
	}
	if err := os.MkdirAll(o.OutDir, 0755); err != nil {
		return fmt.Errorf("output directory %s: %w", o.OutDir, err)
	}
	return nil
}
