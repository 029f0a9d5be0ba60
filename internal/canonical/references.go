package canonical

import (
	"bytes"
	"net/http"
	"net/url"
	"sort"
	"strings"

	nethtml "golang.org/x/net/html"

	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"
)

// Reference is an absolute link found in a replayed page that points at a
// host which was never captured, so it cannot be served on replay.
type Reference struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

var linkAttrs = map[string]bool{
	"href":   true,
	"src":    true,
	"action": true,
	"data":   true,
}

// ExternalReferences scans the HTML bodies of set for href and src values
// that still name a remote host after canonicalization.
func ExternalReferences(set response.ReplaySet) []Reference {
	seen := make(map[Reference]bool)
	var refs []Reference

	for _, key := range set.Keys() {
		rec := set[key]
		if !isHTML(rec) {
			continue
		}
		doc, err := nethtml.Parse(bytes.NewReader(rec.Body))
		if err != nil {
			continue
		}
		walkLinks(doc, func(link string) {
			if !isExternal(link) {
				return
			}
			ref := Reference{Key: key, URL: link}
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		})
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Key != refs[j].Key {
			return refs[i].Key < refs[j].Key
		}
		return refs[i].URL < refs[j].URL
	})
	return refs
}

func walkLinks(node *nethtml.Node, visit func(string)) {
	if node.Type == nethtml.ElementNode {
		for _, attr := range node.Attr {
			if linkAttrs[strings.ToLower(attr.Key)] {
				visit(strings.TrimSpace(attr.Val))
			}
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		walkLinks(child, visit)
	}
}

func isHTML(rec *response.Record) bool {
	contentType := rec.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(rec.Body)
	}
	return strings.Contains(strings.ToLower(contentType), "html")
}

func isExternal(link string) bool {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	return host != Placeholder && host != "localhost"
}
