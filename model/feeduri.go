// Package model holds the core data types shared across the resolver
// pipeline: feed identity, the feed document itself, implementations,
// architectures, and the selections document the solver produces.
package model

import (
	"net/url"
	"strings"
)

// FeedURI identifies a feed: an absolute http(s) URL, a file: URL, or a
// fully-resolved local path. Two feeds are the same iff their canonical
// form matches byte-for-byte.
type FeedURI string

// CanonicalizeFeedURI percent-decodes and lowercases the scheme and host
// of uri, leaving the path, query, and fragment untouched. Inputs that do
// not parse as a URL (e.g. a bare local path) are returned unchanged,
// matching rope's NormalizePackageName idiom of a small pure
// normalization helper colocated with the type it serves.
func CanonicalizeFeedURI(uri string) FeedURI {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return FeedURI(uri)
	}

	decodedPath, err := url.PathUnescape(u.Path)
	if err == nil {
		u.Path = decodedPath
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	return FeedURI(u.String())
}

// Equal reports whether two feed URIs denote the same feed after
// canonicalization.
func (f FeedURI) Equal(other FeedURI) bool {
	return CanonicalizeFeedURI(string(f)) == CanonicalizeFeedURI(string(other))
}

func (f FeedURI) String() string {
	return string(f)
}
