package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"session_service/internal/storage"
)

// ClientIDCookie identifies a browser to server-side slot backends. It is
// not a credential and survives logout.
const ClientIDCookie = "client_id"

// BackendFactory returns the credential slot backend of the client behind
// an HTTP exchange.
type BackendFactory func(w http.ResponseWriter, r *http.Request) (storage.Backend, error)

// CookieBackends keeps the slots in the browser's own cookie jar. A non-nil
// sealer encrypts every value.
func CookieBackends(opts storage.CookieOptions, sealer storage.Sealer) BackendFactory {
	return func(w http.ResponseWriter, r *http.Request) (storage.Backend, error) {
		var b storage.Backend = storage.NewCookies(w, r, opts)
		if sealer != nil {
			b = storage.NewSealed(b, sealer)
		}
		return b, nil
	}
}

// ServerSideBackends keeps the slots server-side, keyed by a client id cookie
// issued on first contact.
func ServerSideBackends(opts storage.CookieOptions, newBackend func(clientID string) storage.Backend) BackendFactory {
	return func(w http.ResponseWriter, r *http.Request) (storage.Backend, error) {
		clientID, err := clientIDOf(w, r, opts)
		if err != nil {
			return nil, err
		}
		return newBackend(clientID), nil
	}
}

// DefaultMaxMemoryClients bounds how many clients MemoryBackends keeps.
const DefaultMaxMemoryClients = 10000

// MemoryBackends keeps the slots of every client in process memory. Slots do
// not survive a restart. A client unseen for ttl is forgotten, and past
// maxClients the least recently seen client is dropped.
func MemoryBackends(opts storage.CookieOptions, ttl time.Duration, maxClients int) BackendFactory {
	if maxClients <= 0 {
		maxClients = DefaultMaxMemoryClients
	}

	var (
		mu      sync.Mutex
		clients = expirable.NewLRU[string, *storage.Memory](maxClients, nil, ttl)
	)
	return ServerSideBackends(opts, func(clientID string) storage.Backend {
		mu.Lock()
		defer mu.Unlock()

		b, ok := clients.Get(clientID)
		if !ok {
			b = storage.NewMemory(ttl)
		}
		clients.Add(clientID, b)
		return b
	})
}

func clientIDOf(w http.ResponseWriter, r *http.Request, opts storage.CookieOptions) (string, error) {
	if c, err := r.Cookie(ClientIDCookie); err == nil {
		if id, err := uuid.FromString(c.Value); err == nil {
			return id.String(), nil
		}
	}

	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     ClientIDCookie,
		Value:    id.String(),
		Path:     opts.Path,
		MaxAge:   int(opts.TTL.Seconds()),
		Secure:   opts.Secure,
		HttpOnly: true,
		SameSite: opts.SameSite,
	})
	return id.String(), nil
}
