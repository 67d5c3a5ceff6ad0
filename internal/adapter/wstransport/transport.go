// Package wstransport provides the websocket implementation of the session
// transport: a reliable, ordered byte-frame duplex channel with optional
// proxy routing.
package wstransport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"chatlink/internal/domain"
)

const defaultDialTimeout = 15 * time.Second

// Dialer opens websocket transports.
type Dialer struct {
	logger      *slog.Logger
	dialTimeout time.Duration
}

// NewDialer creates a websocket Dialer.
func NewDialer(logger *slog.Logger, dialTimeout time.Duration) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &Dialer{logger: logger, dialTimeout: dialTimeout}
}

// Dial implements domain.Dialer. Bad parameters surface as configuration
// errors; reachability, TLS, and proxy failures as connection failures.
func (d *Dialer) Dial(ctx context.Context, opts domain.ConnectOptions) (domain.Transport, error) {
	target, err := url.Parse(opts.URL)
	if err != nil || (target.Scheme != "ws" && target.Scheme != "wss") {
		return nil, domain.NewSessionError("Dialer.Dial", domain.ErrConfiguration,
			fmt.Sprintf("invalid endpoint url %q", opts.URL))
	}

	httpClient, err := d.httpClient(opts.ProxyURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if opts.UserAgent != "" {
		header.Set("User-Agent", opts.UserAgent)
	}
	if opts.Authorization != "" {
		header.Set("Authorization", "Bearer "+opts.Authorization)
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	// The address family lookup is diagnostic only; run it alongside the
	// handshake and tolerate its failure.
	g, gctx := errgroup.WithContext(dialCtx)

	var ws *websocket.Conn
	g.Go(func() error {
		conn, _, derr := websocket.Dial(gctx, opts.URL, &websocket.DialOptions{
			HTTPClient: httpClient,
			HTTPHeader: header,
		})
		if derr != nil {
			return derr
		}
		ws = conn
		return nil
	})

	family := domain.IPFamilyUnknown
	var remote string
	g.Go(func() error {
		family, remote = resolveFamily(gctx, target)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, domain.NewSessionError("Dialer.Dial", domain.ErrConnectionFailed, err.Error())
	}

	info := domain.ConnInfo{
		RemoteAddr:  remote,
		Family:      family,
		Description: describe(target, opts.ProxyURL, family),
	}
	d.logger.Debug("websocket dialed", "url", opts.URL, "remote", remote, "family", string(family))

	return &Conn{ws: ws, info: info}, nil
}

func (d *Dialer) httpClient(proxyURL string) (*http.Client, error) {
	if proxyURL == "" {
		return http.DefaultClient, nil
	}
	proxy, err := url.Parse(proxyURL)
	if err != nil {
		return nil, domain.NewSessionError("Dialer.Dial", domain.ErrConfiguration,
			fmt.Sprintf("invalid proxy url %q", proxyURL))
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxy),
			DialContext: (&net.Dialer{
				Timeout:   d.dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

// resolveFamily resolves the endpoint host to report which address family
// the connection will use. Failures degrade to unknown.
func resolveFamily(ctx context.Context, target *url.URL) (domain.IPFamily, string) {
	host := target.Hostname()
	port := target.Port()
	if port == "" {
		if target.Scheme == "wss" {
			port = "443"
		} else {
			port = "80"
		}
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return domain.IPFamilyUnknown, net.JoinHostPort(host, port)
	}

	ip := addrs[0].IP
	remote := net.JoinHostPort(ip.String(), port)
	if ip.To4() != nil {
		return domain.IPFamilyV4, remote
	}
	return domain.IPFamilyV6, remote
}

func describe(target *url.URL, proxyURL string, family domain.IPFamily) string {
	desc := fmt.Sprintf("websocket %s via %s", target.Host, family)
	if proxyURL != "" {
		desc += " proxy " + proxyURL
	}
	return desc
}

// Conn is one established websocket connection.
type Conn struct {
	ws   *websocket.Conn
	info domain.ConnInfo
}

// ReadFrame implements domain.Transport.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFrame implements domain.Transport.
func (c *Conn) WriteFrame(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close implements domain.Transport. Safe to call more than once.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// Info implements domain.Transport.
func (c *Conn) Info() domain.ConnInfo { return c.info }

var _ domain.Transport = (*Conn)(nil)
var _ domain.Dialer = (*Dialer)(nil)
