package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("cache object not found")
	ErrNotCacheable   = errors.New("only GET requests are cacheable")
	ErrEmptyPartition = errors.New("partition name required")
)

// Object is a captured response as it is kept in a partition.
type Object struct {
	Status    int
	Header    http.Header
	Body      []byte
	UpdatedAt time.Time
	// Credentials is CredentialsOf the request that produced the object;
	// empty for an anonymous request.
	Credentials string
}

// credentialHeaders identify the user behind a request.
var credentialHeaders = []string{"Authorization", "Cookie"}

// CredentialsOf fingerprints the credentials carried by h. Requests without
// any credentials share the empty fingerprint.
func CredentialsOf(h http.Header) string {
	var buf []byte
	found := false
	for _, name := range credentialHeaders {
		vv := h.Values(name)
		if len(vv) > 0 {
			found = true
		}
		buf = append(buf, name...)
		for _, v := range vv {
			buf = append(buf, 0)
			buf = append(buf, v...)
		}
		buf = append(buf, '\n')
	}
	if !found {
		return ""
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// Public reports whether o was fetched without credentials.
func (o Object) Public() bool { return o.Credentials == "" }

// VisibleTo reports whether a requester with the given credentials may be
// served o: public objects are visible to everyone, others only to the same
// credentials.
func (o Object) VisibleTo(credentials string) bool {
	return o.Public() || o.Credentials == credentials
}

func (o Object) OK() bool {
	return o.Status >= 200 && o.Status < 300
}

func (o Object) ContentType() string {
	if o.Header == nil {
		return ""
	}
	return o.Header.Get("Content-Type")
}

// Clone returns a deep copy so callers can hand the object out while it stays
// cached.
func (o Object) Clone() Object {
	out := o
	if o.Header != nil {
		out.Header = o.Header.Clone()
	}
	if o.Body != nil {
		out.Body = append([]byte(nil), o.Body...)
	}
	return out
}

// stored is the copy of o a store keeps. Cookies set for the original
// requester are never replayed to anyone else.
func (o Object) stored() Object {
	out := o.Clone()
	if out.Header != nil {
		out.Header.Del("Set-Cookie")
	}
	return out
}

// Store is a set of named partitions holding request key -> response pairs.
// Put overwrites an existing key in place.
type Store interface {
	Get(ctx context.Context, partition, key string) (Object, error)
	Put(ctx context.Context, partition, key string, obj Object) error
	Delete(ctx context.Context, partition, key string) error
	Keys(ctx context.Context, partition string) ([]string, error)
	Partitions(ctx context.Context) ([]string, error)
	DeletePartition(ctx context.Context, partition string) error
}

// RequestKey is the identity of a request inside a partition.
func RequestKey(method, rawURL string) string {
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + " " + rawURL
}

// GetKey is RequestKey for a GET of rawURL.
func GetKey(rawURL string) string {
	return RequestKey(http.MethodGet, rawURL)
}

// Match looks key up in each partition in order and returns the first hit.
// Errors other than ErrNotFound are treated as a miss of that partition.
func Match(ctx context.Context, s Store, key string, partitions ...string) (Object, string, error) {
	for _, p := range partitions {
		obj, err := s.Get(ctx, p, key)
		if err == nil {
			return obj, p, nil
		}
	}
	return Object{}, "", ErrNotFound
}

func validate(partition, key string) error {
	if strings.TrimSpace(partition) == "" {
		return ErrEmptyPartition
	}
	if !strings.HasPrefix(key, http.MethodGet+" ") {
		return ErrNotCacheable
	}
	return nil
}
