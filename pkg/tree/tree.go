// Package tree provides path utilities for mapping mount paths onto remote URLs.
package tree

import (
	"net/url"
	"strings"
)

// Clean normalizes a mount-relative path: no leading, trailing or doubled
// separators. The mount root is the empty string.
func Clean(p string) string {
	parts := strings.Split(p, "/")
	kept := parts[:0]
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "/")
}

// Split separates a cleaned path into its parent directory and final name.
// Split("") returns ("", "").
func Split(p string) (parent, name string) {
	p = Clean(p)
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	parentPath = Clean(parentPath)
	if parentPath == "" {
		return name
	}
	return parentPath + "/" + name
}

// URL joins the root URL with a mount path. Directories get a trailing
// separator, which index servers require to serve the listing page.
func URL(root, p string, isDir bool) string {
	root = strings.TrimSuffix(root, "/")
	p = Clean(p)

	var b strings.Builder
	b.Grow(len(root) + len(p) + 2)
	b.WriteString(root)
	b.WriteByte('/')
	b.WriteString(escapePath(p))
	if isDir && p != "" {
		b.WriteByte('/')
	}
	return b.String()
}

// escapePath percent-encodes every segment of p, leaving separators intact.
func escapePath(p string) string {
	if p == "" {
		return ""
	}
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
