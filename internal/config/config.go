// Package config parses the daemon's configuration file and
// command-line flags (spec.md §6).
package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"cupsbrowsed/internal/logging"
)

// AutoShutdownMode selects when the daemon shuts itself down after the
// catalogue has been empty for a while.
type AutoShutdownMode string

const (
	AutoShutdownNone  AutoShutdownMode = "none"
	AutoShutdownOn    AutoShutdownMode = "on"
	AutoShutdownOff   AutoShutdownMode = "off"
	AutoShutdownAvahi AutoShutdownMode = "avahi"
)

// PollServer is one BrowsePoll upstream server entry.
type PollServer struct {
	Host       string
	Port       int
	IPPVersion string // "" if unset, else "X.Y"
}

// Config is the fully resolved daemon configuration: file, then
// flags, layered the same way the teacher's config.Load layers
// environment variables on top of a parsed file.
type Config struct {
	BrowseLocalProtocols  []string
	BrowseRemoteProtocols []string
	BrowsePoll            []PollServer
	BrowseAllow           []string
	DomainSocket          string
	CreateIPPPrinterQueues bool
	AutoShutdown          AutoShutdownMode
	AutoShutdownTimeout   int

	BrowsePort     int
	BrowseInterval int
	BrowseTimeout  int

	Debug bool
}

// Default returns the built-in defaults prior to file/flag parsing.
func Default() Config {
	return Config{
		BrowseRemoteProtocols:  []string{"dnssd"},
		CreateIPPPrinterQueues: false,
		AutoShutdown:           AutoShutdownNone,
		AutoShutdownTimeout:    30,
		BrowsePort:             631,
		BrowseInterval:         60,
		BrowseTimeout:          300,
	}
}

// Load reads confPath (if it exists; a missing file is not an error,
// matching the teacher's tolerant os.Open-and-return-on-error pattern)
// and layers the command-line flags in args on top.
func Load(confPath string, args []string) (Config, error) {
	cfg := Default()
	if confPath != "" {
		if err := parseConfFile(confPath, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyFlags(&cfg, args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseConfFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		applyConfLine(line, cfg)
	}
	return sc.Err()
}

func applyConfLine(line string, cfg *Config) {
	fields := strings.Fields(line)
	if len(fields) < 1 {
		return
	}
	key := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch key {
	case "browseprotocols":
		protos := splitProtocols(rest)
		cfg.BrowseLocalProtocols = dropUnsupportedLocal(protos)
		cfg.BrowseRemoteProtocols = protos
	case "browselocalprotocols":
		cfg.BrowseLocalProtocols = dropUnsupportedLocal(splitProtocols(rest))
	case "browseremoteprotocols":
		cfg.BrowseRemoteProtocols = splitProtocols(rest)
	case "browsepoll":
		if p, ok := parsePollServer(rest); ok {
			cfg.BrowsePoll = append(cfg.BrowsePoll, p)
		} else {
			logging.Printf("unparseable BrowsePoll line %q, ignoring", line)
		}
	case "browseallow":
		if rest != "" {
			cfg.BrowseAllow = append(cfg.BrowseAllow, rest)
		}
	case "domainsocket":
		cfg.DomainSocket = rest
	case "createippprinterqueues":
		if v, ok := parseBool(rest); ok {
			cfg.CreateIPPPrinterQueues = v
		} else {
			logging.Printf("unparseable CreateIPPPrinterQueues line %q, ignoring", line)
		}
	case "autoshutdown":
		if m, ok := parseAutoShutdown(rest); ok {
			cfg.AutoShutdown = m
		} else {
			logging.Printf("unparseable AutoShutdown line %q, ignoring", line)
		}
	case "autoshutdowntimeout":
		if n, err := strconv.Atoi(rest); err == nil && n >= 0 {
			cfg.AutoShutdownTimeout = n
		} else {
			logging.Printf("unparseable AutoShutdownTimeout line %q, ignoring", line)
		}
	default:
		logging.Printf("unknown directive %q, ignoring", fields[0])
	}
}

func splitProtocols(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func dropUnsupportedLocal(protos []string) []string {
	out := make([]string, 0, len(protos))
	for _, p := range protos {
		if p == "dnssd" {
			// Local dnssd (re-advertising locally shared queues over
			// mDNS) is not supported by this daemon; spec.md §6.
			continue
		}
		out = append(out, p)
	}
	return out
}

func parsePollServer(value string) (PollServer, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return PollServer{}, false
	}
	version := ""
	if idx := strings.Index(value, "/version="); idx >= 0 {
		version = value[idx+len("/version="):]
		value = value[:idx]
	}
	host := value
	port := 631
	if idx := strings.LastIndex(value, ":"); idx >= 0 {
		if n, err := strconv.Atoi(value[idx+1:]); err == nil {
			host = value[:idx]
			port = n
		}
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return PollServer{}, false
	}
	return PollServer{Host: host, Port: port, IPPVersion: version}, true
}

func parseBool(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "1", "yes", "true":
		return true, true
	case "off", "0", "no", "false":
		return false, true
	default:
		return false, false
	}
}

func parseAutoShutdown(value string) (AutoShutdownMode, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on":
		return AutoShutdownOn, true
	case "off":
		return AutoShutdownOff, true
	case "avahi":
		return AutoShutdownAvahi, true
	case "none":
		return AutoShutdownNone, true
	default:
		return "", false
	}
}

func applyFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("cups-browsed", flag.ContinueOnError)
	var debug bool
	var verbose bool
	var autoshutdown string
	var autoshutdownTimeout int
	fs.BoolVar(&debug, "d", false, "enable verbose logging")
	fs.BoolVar(&debug, "debug", false, "enable verbose logging")
	fs.BoolVar(&verbose, "v", false, "enable verbose logging")
	fs.StringVar(&autoshutdown, "autoshutdown", "", "on|off|avahi|none")
	fs.IntVar(&autoshutdownTimeout, "autoshutdown-timeout", -1, "seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if debug || verbose {
		cfg.Debug = true
	}
	if autoshutdown != "" {
		m, ok := parseAutoShutdown(autoshutdown)
		if !ok {
			return fmt.Errorf("invalid --autoshutdown value %q", autoshutdown)
		}
		cfg.AutoShutdown = m
	}
	if autoshutdownTimeout >= 0 {
		cfg.AutoShutdownTimeout = autoshutdownTimeout
	}
	return nil
}
