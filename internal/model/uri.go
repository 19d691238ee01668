package model

import (
	"fmt"
	"strings"
)

const uriScheme = "at://"

// URI identifies a record: account + collection + record key.
type URI struct {
	Host       string
	Collection string
	Rkey       string
}

// MakeURI composes a record uri.
func MakeURI(host, collection, rkey string) URI {
	return URI{Host: host, Collection: collection, Rkey: rkey}
}

// ParseURI parses "at://host[/collection[/rkey]]".
func ParseURI(s string) (URI, error) {
	if !strings.HasPrefix(s, uriScheme) {
		return URI{}, fmt.Errorf("invalid uri %q: missing scheme", s)
	}
	parts := strings.Split(strings.TrimPrefix(s, uriScheme), "/")
	if parts[0] == "" || len(parts) > 3 {
		return URI{}, fmt.Errorf("invalid uri %q", s)
	}
	u := URI{Host: parts[0]}
	if len(parts) > 1 {
		u.Collection = parts[1]
	}
	if len(parts) > 2 {
		u.Rkey = parts[2]
	}
	return u, nil
}

// String renders the uri in its canonical form.
func (u URI) String() string {
	var b strings.Builder
	b.WriteString(uriScheme)
	b.WriteString(u.Host)
	if u.Collection != "" {
		b.WriteByte('/')
		b.WriteString(u.Collection)
		if u.Rkey != "" {
			b.WriteByte('/')
			b.WriteString(u.Rkey)
		}
	}
	return b.String()
}

// DIDFromURI returns the host of a record uri, or "" when it does not parse.
func DIDFromURI(s string) string {
	u, err := ParseURI(s)
	if err != nil {
		return ""
	}
	return u.Host
}
