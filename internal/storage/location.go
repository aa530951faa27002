// Package storage checks that configured table locations exist before DuckDB is asked to read them.
package storage

import (
	"fmt"
	"net/url"
	"strings"
)

// Location is a parsed table location.
type Location struct {
	Raw     string
	Scheme  string // "file", "s3", "gs", "az" or "https"
	Bucket  string // bucket or container; empty for local paths
	Key     string // object key prefix, or the filesystem path for local locations
	Account string // Azure storage account, when the URI names one
}

// IsLocal reports whether the location is on the local filesystem.
func (l Location) IsLocal() bool { return l.Scheme == "file" }

// ParseLocation parses a local path or object-store URI.
//
// Supported forms:
//
//	/data/users, ./users, file:///data/users
//	s3://bucket/key, s3a://bucket/key
//	gs://bucket/key, gcs://bucket/key
//	abfss://container@account.dfs.core.windows.net/key
//	az://container/key, azure://container/key
//	https://account.blob.core.windows.net/container/key
func ParseLocation(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, fmt.Errorf("location is empty")
	}
	if !strings.Contains(raw, "://") {
		return Location{Raw: raw, Scheme: "file", Key: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("parse location %q: %w", raw, err)
	}
	loc := Location{Raw: raw, Key: strings.TrimPrefix(u.Path, "/")}

	switch strings.ToLower(u.Scheme) {
	case "file":
		loc.Scheme = "file"
		loc.Key = u.Path
	case "s3", "s3a":
		loc.Scheme = "s3"
		loc.Bucket = u.Host
	case "gs", "gcs":
		loc.Scheme = "gs"
		loc.Bucket = u.Host
	case "abfss", "abfs":
		// Go's url.Parse treats "container" as userinfo and the account endpoint as host.
		if u.User == nil {
			return Location{}, fmt.Errorf("abfss location %q missing container@account component", raw)
		}
		loc.Scheme = "az"
		loc.Bucket = u.User.Username()
		loc.Account, _, _ = strings.Cut(u.Host, ".")
	case "az", "azure":
		loc.Scheme = "az"
		loc.Bucket = u.Host
	case "http", "https":
		loc.Scheme = "https"
		if host, ok := strings.CutSuffix(u.Host, ".blob.core.windows.net"); ok {
			container, key, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
			loc.Scheme = "az"
			loc.Account = host
			loc.Bucket = container
			loc.Key = key
		}
	default:
		return Location{}, fmt.Errorf("unsupported location scheme %q in %q", u.Scheme, raw)
	}

	if loc.Scheme != "file" && loc.Scheme != "https" && loc.Bucket == "" {
		return Location{}, fmt.Errorf("location %q has no bucket or container", raw)
	}
	return loc, nil
}

// Join appends a path element to the key.
func (l Location) Join(elem string) Location {
	out := l
	switch {
	case l.Key == "":
		out.Key = elem
	case strings.HasSuffix(l.Key, "/"):
		out.Key = l.Key + elem
	default:
		out.Key = l.Key + "/" + elem
	}
	return out
}

// staticPrefix returns the key up to the first glob metacharacter, so that a
// glob location can still be checked by its fixed directory part.
func staticPrefix(key string) (string, bool) {
	i := strings.IndexAny(key, "*?[")
	if i < 0 {
		return key, false
	}
	prefix := key[:i]
	if j := strings.LastIndex(prefix, "/"); j >= 0 {
		return prefix[:j+1], true
	}
	return "", true
}
