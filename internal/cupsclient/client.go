// Package cupsclient implements an IPP request/response client used both
// for the local print service's administrative RPCs (Get-Printers,
// CUPS-Add-Modify-Printer, subscriptions, ...) and for polling a remote
// upstream server (spec.md §2, §4.5.3). This daemon never submits or edits
// a job's content, so unlike a general-purpose IPP client it never needs
// to attach a document body to a request.
package cupsclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	goipp "github.com/OpenPrinting/goipp"
)

// Client talks IPP to one server, identified by Host/Port, reachable over
// the ordinary CUPS IPP path conventions (the admin/jobs/printer-resource
// split every request below resolves through ippPathForMessage).
type Client struct {
	Host               string
	Port               int
	UseTLS             bool
	User               string
	Password           string
	InsecureSkipVerify bool
}

// ClientOption customises a Client built by NewFromConfig, applied after
// the settings read from client.conf/the environment (spec.md §6).
type ClientOption func(*Client)

func WithServer(server string) ClientOption {
	return func(c *Client) {
		if strings.TrimSpace(server) == "" {
			return
		}
		host, port, useTLS := parseServer(server)
		if host != "" {
			c.Host = host
		}
		if port > 0 {
			c.Port = port
		}
		if useTLS {
			c.UseTLS = true
		}
	}
}

func WithTLS(enable bool) ClientOption {
	return func(c *Client) {
		if enable {
			c.UseTLS = true
		}
	}
}

func WithUser(user string) ClientOption {
	return func(c *Client) {
		if strings.TrimSpace(user) != "" {
			c.User = user
		}
	}
}

func WithPassword(password string) ClientOption {
	return func(c *Client) {
		if password != "" {
			c.Password = password
		}
	}
}

// NewFromConfig builds a Client from client.conf and the CUPS_* environment
// variables (clientconf.go), with opts applied on top — used both for the
// local print service and, via WithServer, for one poll worker's upstream.
func NewFromConfig(opts ...ClientOption) *Client {
	settings := loadClientSettings()
	client := &Client{
		Host:               settings.host,
		Port:               settings.port,
		UseTLS:             settings.useTLS,
		User:               settings.user,
		Password:           settings.password,
		InsecureSkipVerify: settings.insecureSkipVerify,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	if client.Host == "" {
		client.Host = "localhost"
	}
	if client.Port == 0 {
		client.Port = defaultIPPPort()
	}
	return client
}

// PrinterURI builds the printer-uri this client addresses name through.
// CUPS clients always address printers via the server's own "localhost"
// alias rather than its externally visible host (libcups convention).
func (c *Client) PrinterURI(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "ipp://localhost/printers/"
	}
	return "ipp://localhost/printers/" + url.PathEscape(name)
}

func (c *Client) ippURLForPath(path string) string {
	scheme := "http"
	if c.UseTLS {
		scheme = "https"
	}
	if path == "" {
		path = "/"
	}
	return scheme + "://" + c.Host + ":" + strconv.Itoa(c.Port) + path
}

// ippPathForOp gives the resource path for an operation that doesn't carry
// a printer-uri/job-uri this daemon can resolve a path from: printer
// administration lives under /admin/, job and notification RPCs under
// /jobs/, everything else (enumeration RPCs, and any request whose
// printer-uri resolves to a path) under /.
func ippPathForOp(op goipp.Op) string {
	switch op {
	case goipp.OpCupsAddModifyPrinter, goipp.OpCupsDeletePrinter:
		return "/admin/"
	case goipp.OpGetJobs, goipp.OpGetNotifications:
		return "/jobs/"
	default:
		return "/"
	}
}

// Send encodes msg as an IPP request and decodes the response. It is the
// only transport path every RPC in ipp.go uses.
func (c *Client) Send(ctx context.Context, msg *goipp.Message) (*goipp.Message, error) {
	if msg == nil {
		return nil, errors.New("missing ipp message")
	}
	payload, err := msg.EncodeBytes()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ippURLForPath(ippPathForMessage(msg)), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", goipp.ContentType)
	req.Header.Set("Accept", goipp.ContentType)
	if c.User != "" {
		req.SetBasicAuth(c.User, c.Password)
	}

	client := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig(c),
		},
	}
	resp, err := client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, errors.New(resp.Status)
	}
	out := &goipp.Message{}
	if err := out.Decode(resp.Body); err != nil {
		return nil, err
	}
	return out, nil
}

func tlsConfig(c *Client) *tls.Config {
	skipVerify := false
	if c != nil {
		skipVerify = c.InsecureSkipVerify
	}
	if insecure, ok := parseBoolEnv("CUPS_IPP_INSECURE"); ok {
		skipVerify = insecure
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: skipVerify}
}

func ippPathForMessage(msg *goipp.Message) string {
	if msg == nil {
		return "/"
	}
	op := goipp.Op(msg.Code)
	if p := ippPathForOp(op); p != "/" {
		return p
	}
	if p, ok := ippResourcePathFromURI(attrString(msg.Operation, "printer-uri")); ok {
		return p
	}
	return "/"
}

func ippResourcePathFromURI(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	path := strings.TrimSpace(u.Path)
	if path == "" {
		return "", false
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path, true
}

func attrString(attrs goipp.Attributes, name string) string {
	for _, attr := range attrs {
		if !strings.EqualFold(strings.TrimSpace(attr.Name), strings.TrimSpace(name)) {
			continue
		}
		if len(attr.Values) == 0 {
			return ""
		}
		return strings.TrimSpace(attr.Values[0].V.String())
	}
	return ""
}
