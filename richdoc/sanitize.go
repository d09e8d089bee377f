package richdoc

import (
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policyOnce sync.Once
	policy     *bluemonday.Policy
)

// Policy returns the HTML subset accepted for templates: text formatting,
// lists, tables, links and images (http(s), owned and data: sources), with
// a small set of inline styles that email clients honour.
func Policy() *bluemonday.Policy {
	policyOnce.Do(func() {
		p := bluemonday.UGCPolicy()
		p.AllowDataURIImages()
		p.AllowRelativeURLs(true)
		p.AllowAttrs(AuditAttr, UnresolvedAttr, "width", "height", "alt").OnElements("img")
		p.AllowAttrs("align", "valign", "bgcolor", "cellpadding", "cellspacing", "border").
			OnElements("table", "tr", "td", "th")
		p.AllowElements("font", "center", "u", "s")
		p.AllowAttrs("color", "face", "size").OnElements("font")
		p.AllowStyles(
			"color", "background-color", "font-family", "font-size", "font-weight",
			"font-style", "text-align", "text-decoration", "line-height",
			"width", "height", "max-width", "padding", "margin", "border",
			"vertical-align",
		).Globally()
		policy = p
	})
	return policy
}

// Sanitize reduces markup to the template subset.
func Sanitize(markup string) string {
	return Policy().Sanitize(markup)
}
