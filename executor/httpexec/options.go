package httpexec

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// OptFn configures an Executor.
type OptFn func(*options) error

type options struct {
	scheme             string
	insecureSkipVerify bool
	client             *http.Client
	headers            http.Header
	authFn             func(*http.Request)
	clock              clock.Clock
	log                *zap.Logger
}

// WithScheme sets the URL scheme used to reach targets. Defaults to http.
func WithScheme(scheme string) OptFn {
	return func(opt *options) error {
		opt.scheme = scheme
		return nil
	}
}

// WithAuth provides a means to set a custom auth that doesn't match
// the provided auth types here.
func WithAuth(fn func(r *http.Request)) OptFn {
	return func(opt *options) error {
		opt.authFn = fn
		return nil
	}
}

// WithAuthToken provides token auth for requests.
func WithAuthToken(token string) OptFn {
	return func(opts *options) error {
		fn := func(r *http.Request) {
			r.Header.Set("Authorization", "Token "+token)
		}
		return WithAuth(fn)(opts)
	}
}

// WithHeader sets a default header that will be applied to all requests.
func WithHeader(header, val string) OptFn {
	return func(opt *options) error {
		if opt.headers == nil {
			opt.headers = make(http.Header)
		}
		opt.headers.Add(header, val)
		return nil
	}
}

// WithHTTPClient sets the raw http client.
func WithHTTPClient(c *http.Client) OptFn {
	return func(opt *options) error {
		opt.client = c
		return nil
	}
}

// WithInsecureSkipVerify sets the insecure skip verify on the default client's transport.
func WithInsecureSkipVerify(b bool) OptFn {
	return func(opts *options) error {
		opts.insecureSkipVerify = b
		return nil
	}
}

// WithClock sets the clock used for Now and elapsed times.
func WithClock(c clock.Clock) OptFn {
	return func(opt *options) error {
		opt.clock = c
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) OptFn {
	return func(opt *options) error {
		opt.log = log
		return nil
	}
}

func defaultHTTPClient(scheme string, insecure bool) *http.Client {
	tr := http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if scheme == "https" && insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Transport: &tr,
	}
}
