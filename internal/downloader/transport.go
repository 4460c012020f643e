package downloader

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"resume-dl/internal/logger"
)

// NewTransport builds the http.Transport used to open remote streams.
func NewTransport(tc TransportConfig) *http.Transport {
	log := logger.Named("transport")

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// Raw bytes: a transparently decompressed body cannot be skipped by offset.
		DisableCompression: true,
	}

	if tc.UseDoH {
		transport.DialContext = newDoHResolver(tc.DoHEndpoint).DialContext
	}

	if tc.ProxyURL != "" {
		parsedURL, err := url.Parse(tc.ProxyURL)
		switch {
		case err != nil:
			log.Warnw("invalid proxy URL, using environment", "proxy", tc.ProxyURL, "error", err)
		case strings.HasPrefix(parsedURL.Scheme, "socks5"):
			dialer, dialErr := proxy.SOCKS5("tcp", parsedURL.Host, socksAuth(parsedURL), proxy.Direct)
			if dialErr != nil {
				log.Warnw("failed to create SOCKS5 dialer, using environment", "proxy", tc.ProxyURL, "error", dialErr)
				break
			}
			transport.Proxy = nil
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			}
		default:
			transport.Proxy = http.ProxyURL(parsedURL)
		}
	}

	if tc.SkipTLSVerify {
		log.Debug("TLS verification disabled")
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return transport
}

// NewClient returns an http.Client on top of NewTransport.
func NewClient(tc TransportConfig) *http.Client {
	return &http.Client{
		Timeout:   tc.Timeout,
		Transport: NewTransport(tc),
	}
}

func socksAuth(u *url.URL) *proxy.Auth {
	if u.User == nil {
		return nil
	}
	password, _ := u.User.Password()
	return &proxy.Auth{User: u.User.Username(), Password: password}
}
