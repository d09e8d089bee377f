package richdoc

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/mailkit/horosafe"
)

// Origin of an image reference.
type Origin string

const (
	OriginOwned   Origin = "owned"
	OriginForeign Origin = "foreign"
)

// Status of an image reference.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusFailed   Status = "failed"
)

// ResourceReference is one distinct image URL found in the markup.
type ResourceReference struct {
	URL    string `json:"url"`
	Origin Origin `json:"origin"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// AuditAttr keeps the pre-rehosting URL on rewritten images. Browsers and
// mail clients ignore it.
const AuditAttr = "data-original-src"

// UnresolvedAttr holds the foreign URL of an image neutralized for rendering.
const UnresolvedAttr = "data-unresolved-src"

// Classifier decides which image sources already live in owned storage.
// OwnedBase is the URL prefix of the blob store (e.g.
// "https://mail.example.com/blobs/"); its path-only form ("/blobs/") is
// accepted as owned too.
type Classifier struct {
	OwnedBase string
}

// OwnedURL returns the owned form of blob id.
func (c Classifier) OwnedURL(id string) string {
	return c.OwnedBase + id
}

// IsOwned reports whether src is already in the owned base form.
func (c Classifier) IsOwned(src string) bool {
	if c.OwnedBase == "" {
		return false
	}
	if strings.HasPrefix(src, c.OwnedBase) {
		return true
	}
	if p := c.basePath(); p != "" && strings.HasPrefix(src, p) {
		return true
	}
	return false
}

// Classify returns the origin of src, or ok=false for sources that are not
// resource references at all: empty, inline data: URIs and non-http(s)
// schemes. Those are skipped silently by every consumer.
func (c Classifier) Classify(src string) (origin Origin, ok bool) {
	src = strings.TrimSpace(src)
	if src == "" {
		return "", false
	}
	if c.IsOwned(src) {
		return OriginOwned, true
	}
	if !horosafe.IsHTTP(src) {
		return "", false
	}
	return OriginForeign, true
}

// Absolute returns the full owned URL for a path-only owned src
// ("/blobs/c_1" -> "https://host/blobs/c_1"). Any other src is returned
// unchanged.
func (c Classifier) Absolute(src string) string {
	p := c.basePath()
	if p == "" || strings.HasPrefix(src, c.OwnedBase) || !strings.HasPrefix(src, p) {
		return src
	}
	return c.OwnedBase + strings.TrimPrefix(src, p)
}

func (c Classifier) basePath() string {
	i := strings.Index(c.OwnedBase, "://")
	if i < 0 {
		return ""
	}
	rest := c.OwnedBase[i+3:]
	j := strings.IndexByte(rest, '/')
	if j < 0 {
		return ""
	}
	return rest[j:]
}

// Scan returns the distinct image references of markup in document order.
func Scan(markup string, cls Classifier) []ResourceReference {
	var refs []ResourceReference
	seen := make(map[string]bool)
	for _, src := range ImageSources(markup) {
		origin, ok := cls.Classify(src)
		if !ok || seen[src] {
			continue
		}
		seen[src] = true
		status := StatusResolved
		if origin == OriginForeign {
			status = StatusPending
		}
		refs = append(refs, ResourceReference{URL: src, Origin: origin, Status: status})
	}
	return refs
}

// Foreign returns the distinct foreign image URLs of markup.
func Foreign(markup string, cls Classifier) []string {
	var out []string
	for _, r := range Scan(markup, cls) {
		if r.Origin == OriginForeign {
			out = append(out, r.URL)
		}
	}
	return out
}

// ImageSources returns the src attribute of every <img> in markup, in
// document order, duplicates included.
func ImageSources(markup string) []string {
	var out []string
	z := html.NewTokenizer(strings.NewReader(markup))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a malformed tail; keep what was found.
			return out
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.DataAtom != atom.Img {
				continue
			}
			for _, a := range tok.Attr {
				if a.Key == "src" {
					out = append(out, a.Val)
					break
				}
			}
		}
	}
}
