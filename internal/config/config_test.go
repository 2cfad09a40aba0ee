package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConf(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cups-browsed.conf")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ParsesRecognisedKeys(t *testing.T) {
	path := writeConf(t, `
# comment
BrowseLocalProtocols dnssd cups
BrowsePoll server.example.com:631/version=2.0
BrowseAllow 10.0.0.0/8
DomainSocket /var/run/cups.sock
CreateIPPPrinterQueues yes
AutoShutdown avahi
AutoShutdownTimeout 45
UnknownKey somevalue
`)
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.BrowseLocalProtocols) != 1 || cfg.BrowseLocalProtocols[0] != "cups" {
		t.Fatalf("expected dnssd dropped from local protocols, got %v", cfg.BrowseLocalProtocols)
	}
	if len(cfg.BrowsePoll) != 1 || cfg.BrowsePoll[0].Host != "server.example.com" || cfg.BrowsePoll[0].Port != 631 || cfg.BrowsePoll[0].IPPVersion != "2.0" {
		t.Fatalf("unexpected poll servers: %+v", cfg.BrowsePoll)
	}
	if len(cfg.BrowseAllow) != 1 || cfg.BrowseAllow[0] != "10.0.0.0/8" {
		t.Fatalf("unexpected allow list: %v", cfg.BrowseAllow)
	}
	if cfg.DomainSocket != "/var/run/cups.sock" {
		t.Fatalf("unexpected domain socket: %q", cfg.DomainSocket)
	}
	if !cfg.CreateIPPPrinterQueues {
		t.Fatal("expected CreateIPPPrinterQueues = true")
	}
	if cfg.AutoShutdown != AutoShutdownAvahi {
		t.Fatalf("unexpected autoshutdown: %v", cfg.AutoShutdown)
	}
	if cfg.AutoShutdownTimeout != 45 {
		t.Fatalf("unexpected timeout: %d", cfg.AutoShutdownTimeout)
	}
}

func TestLoad_BrowseProtocolsDropsUnsupportedLocalDnssd(t *testing.T) {
	path := writeConf(t, "BrowseProtocols dnssd cups\n")
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.BrowseLocalProtocols) != 1 || cfg.BrowseLocalProtocols[0] != "cups" {
		t.Fatalf("expected dnssd dropped from local protocols, got %v", cfg.BrowseLocalProtocols)
	}
	if len(cfg.BrowseRemoteProtocols) != 2 {
		t.Fatalf("expected both protocols kept remotely, got %v", cfg.BrowseRemoteProtocols)
	}
}

func TestLoad_MissingFileIsNotError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.conf"), nil)
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.BrowsePort != 631 {
		t.Fatalf("expected defaults preserved, got %+v", cfg)
	}
}

func TestLoad_UnparseableLineIgnored(t *testing.T) {
	path := writeConf(t, "BrowsePoll\nAutoShutdownTimeout notanumber\n")
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.BrowsePoll) != 0 {
		t.Fatalf("expected no poll servers from empty BrowsePoll line, got %v", cfg.BrowsePoll)
	}
	if cfg.AutoShutdownTimeout != 30 {
		t.Fatalf("expected default timeout preserved, got %d", cfg.AutoShutdownTimeout)
	}
}

func TestLoad_FlagsLayerOverFile(t *testing.T) {
	path := writeConf(t, "AutoShutdown off\n")
	cfg, err := Load(path, []string{"--autoshutdown=avahi", "--autoshutdown-timeout=5", "-d"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AutoShutdown != AutoShutdownAvahi {
		t.Fatalf("expected flag to override file, got %v", cfg.AutoShutdown)
	}
	if cfg.AutoShutdownTimeout != 5 {
		t.Fatalf("unexpected timeout: %d", cfg.AutoShutdownTimeout)
	}
	if !cfg.Debug {
		t.Fatal("expected debug flag to set Debug")
	}
}

func TestParsePollServer(t *testing.T) {
	cases := []struct {
		in       string
		wantHost string
		wantPort int
		wantVer  string
		wantOK   bool
	}{
		{"host.example.com", "host.example.com", 631, "", true},
		{"host.example.com:8631", "host.example.com", 8631, "", true},
		{"host.example.com/version=2.0", "host.example.com", 631, "2.0", true},
		{"host.example.com:8631/version=1.1", "host.example.com", 8631, "1.1", true},
		{"", "", 0, "", false},
	}
	for _, tc := range cases {
		p, ok := parsePollServer(tc.in)
		if ok != tc.wantOK {
			t.Errorf("parsePollServer(%q) ok=%v, want %v", tc.in, ok, tc.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if p.Host != tc.wantHost || p.Port != tc.wantPort || p.IPPVersion != tc.wantVer {
			t.Errorf("parsePollServer(%q) = %+v, want host=%s port=%d ver=%s", tc.in, p, tc.wantHost, tc.wantPort, tc.wantVer)
		}
	}
}
