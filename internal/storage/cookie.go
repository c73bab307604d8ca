package storage

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"time"
)

// CookieOptions are applied uniformly to every slot written as a cookie.
type CookieOptions struct {
	TTL      time.Duration
	Path     string
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
}

// DefaultCookieOptions returns the site-wide, strict same-site options. secure
// is expected to be true in production deployments only.
func DefaultCookieOptions(secure bool) CookieOptions {
	return CookieOptions{
		TTL:      DefaultTTL,
		Path:     "/",
		Secure:   secure,
		HTTPOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// Cookies is a Backend over the cookie jar of one HTTP exchange: reads come
// from the request, writes go to the response as Set-Cookie headers. Values
// written during the exchange shadow the request so a read after a write
// observes the write.
type Cookies struct {
	mu      sync.Mutex
	req     *http.Request
	w       http.ResponseWriter
	opts    CookieOptions
	overlay map[string]*string
	now     func() time.Time
}

func NewCookies(w http.ResponseWriter, r *http.Request, opts CookieOptions) *Cookies {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	return &Cookies{
		req:     r,
		w:       w,
		opts:    opts,
		overlay: make(map[string]*string),
		now:     time.Now,
	}
}

func (c *Cookies) Set(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	http.SetCookie(c.w, &http.Cookie{
		Name:     key,
		Value:    base64.RawURLEncoding.EncodeToString([]byte(value)),
		Path:     c.opts.Path,
		Expires:  c.now().Add(c.opts.TTL),
		MaxAge:   int(c.opts.TTL / time.Second),
		Secure:   c.opts.Secure,
		HttpOnly: c.opts.HTTPOnly,
		SameSite: c.opts.SameSite,
	})
	v := value
	c.overlay[key] = &v
	return nil
}

func (c *Cookies) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.overlay[key]; ok {
		if v == nil {
			return "", ErrNotFound
		}
		return *v, nil
	}

	cookie, err := c.req.Cookie(key)
	if err != nil || cookie.Value == "" {
		return "", ErrNotFound
	}
	raw, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return "", ErrCorrupt
	}
	return string(raw), nil
}

func (c *Cookies) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		http.SetCookie(c.w, &http.Cookie{
			Name:     key,
			Value:    "",
			Path:     c.opts.Path,
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
			Secure:   c.opts.Secure,
			HttpOnly: c.opts.HTTPOnly,
			SameSite: c.opts.SameSite,
		})
		c.overlay[key] = nil
	}
	return nil
}
