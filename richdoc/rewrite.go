package richdoc

import (
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ImageEdit decides the new src of one <img>. Returning ok=false leaves the
// tag byte-for-byte untouched. When keepAttr is non-empty the previous src
// is stored under that attribute (if not already present).
type ImageEdit func(src string) (newSrc, keepAttr string, ok bool)

// RewriteImages applies edit to every <img src> of markup and returns the
// new markup with changed=true if at least one tag was modified. Everything
// that is not a modified <img> tag is copied verbatim, so a rewrite never
// reformats the rest of the author's markup.
func RewriteImages(markup string, edit ImageEdit) (out string, changed bool) {
	var b strings.Builder
	b.Grow(len(markup))

	z := html.NewTokenizer(strings.NewReader(markup))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() != io.EOF {
				// Malformed input: emit the unparsed remainder untouched.
				b.Write(z.Raw())
			}
			break
		}
		raw := z.Raw()
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			b.Write(raw)
			continue
		}
		rawCopy := string(raw)
		tok := z.Token()
		if tok.DataAtom != atom.Img {
			b.WriteString(rawCopy)
			continue
		}
		if !editImage(&tok, edit) {
			b.WriteString(rawCopy)
			continue
		}
		b.WriteString(tok.String())
		changed = true
	}
	if !changed {
		return markup, false
	}
	return b.String(), true
}

func editImage(tok *html.Token, edit ImageEdit) bool {
	srcIdx := -1
	for i, a := range tok.Attr {
		if a.Key == "src" {
			srcIdx = i
			break
		}
	}
	if srcIdx < 0 {
		return false
	}
	old := tok.Attr[srcIdx].Val
	newSrc, keepAttr, ok := edit(old)
	if !ok || (newSrc == old && keepAttr == "") {
		return false
	}
	tok.Attr[srcIdx].Val = newSrc
	if keepAttr != "" && !hasAttr(tok, keepAttr) {
		tok.Attr = append(tok.Attr, html.Attribute{Key: keepAttr, Val: old})
	}
	return true
}

func hasAttr(tok *html.Token, key string) bool {
	for _, a := range tok.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// Rehost rewrites every image whose src is a key of owned to the owned URL,
// recording the original URL under AuditAttr.
func Rehost(markup string, owned map[string]string) (string, bool) {
	if len(owned) == 0 {
		return markup, false
	}
	return RewriteImages(markup, func(src string) (string, string, bool) {
		u, ok := owned[src]
		if !ok {
			return "", "", false
		}
		return u, AuditAttr, true
	})
}

// Neutralize blanks the src of every image whose URL is in urls so that a
// renderer shows a broken-image placeholder instead of fetching the foreign
// resource. The URL is kept under UnresolvedAttr.
func Neutralize(markup string, urls map[string]bool) string {
	if len(urls) == 0 {
		return markup
	}
	out, _ := RewriteImages(markup, func(src string) (string, string, bool) {
		if !urls[src] {
			return "", "", false
		}
		return "", UnresolvedAttr, true
	})
	return out
}

// AbsoluteOwned rewrites path-only owned image sources to the full owned
// URL. Rendering surfaces and mail clients have no base URL to resolve a
// relative path against.
func AbsoluteOwned(markup string, cls Classifier) (string, bool) {
	return RewriteImages(markup, func(src string) (string, string, bool) {
		abs := cls.Absolute(src)
		return abs, "", abs != src
	})
}
