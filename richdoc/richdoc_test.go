package richdoc

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testCls = Classifier{OwnedBase: "https://mail.example.com/blobs/"}

func TestScan_ClassifiesReferences(t *testing.T) {
	markup := `<p>Hi</p>
<img src="https://cdn.other.com/a.png">
<img src="https://mail.example.com/blobs/c_123">
<img src="/blobs/c_456">
<img src="data:image/png;base64,AAAA">
<img src="ftp://old.example.com/x.gif">
<img src="https://cdn.other.com/a.png">
<img alt="no src">`

	got := Scan(markup, testCls)
	want := []ResourceReference{
		{URL: "https://cdn.other.com/a.png", Origin: OriginForeign, Status: StatusPending},
		{URL: "https://mail.example.com/blobs/c_123", Origin: OriginOwned, Status: StatusResolved},
		{URL: "/blobs/c_456", Origin: OriginOwned, Status: StatusResolved},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Scan (-want +got):\n%s", diff)
	}
}

func TestRehost_PreservesSurroundingMarkup(t *testing.T) {
	markup := `<table border="1"><tr><td><IMG SRC="https://x.test/a.png" width=40></td></tr></table><p class=x>tail &amp; more</p>`
	out, changed := Rehost(markup, map[string]string{
		"https://x.test/a.png": testCls.OwnedURL("c_1"),
	})
	if !changed {
		t.Fatal("expected change")
	}
	if !strings.HasPrefix(out, `<table border="1"><tr><td>`) {
		t.Errorf("prefix rewritten: %s", out)
	}
	if !strings.HasSuffix(out, `</td></tr></table><p class=x>tail &amp; more</p>`) {
		t.Errorf("suffix rewritten: %s", out)
	}
	if !strings.Contains(out, `src="https://mail.example.com/blobs/c_1"`) {
		t.Errorf("owned src missing: %s", out)
	}
	if !strings.Contains(out, AuditAttr+`="https://x.test/a.png"`) {
		t.Errorf("audit attribute missing: %s", out)
	}
	if refs := Foreign(out, testCls); len(refs) != 0 {
		t.Errorf("foreign refs left: %v", refs)
	}
}

func TestRehost_NoMatchIsIdentity(t *testing.T) {
	markup := `<p><img src="https://x.test/a.png"></p>`
	out, changed := Rehost(markup, map[string]string{"https://y.test/b.png": "z"})
	if changed || out != markup {
		t.Fatalf("expected untouched markup, got changed=%v %q", changed, out)
	}
}

func TestNeutralize(t *testing.T) {
	markup := `<img src="https://x.test/broken.png" alt="logo"><img src="https://x.test/ok.png">`
	out := Neutralize(markup, map[string]bool{"https://x.test/broken.png": true})
	if got := Foreign(out, testCls); len(got) != 1 || got[0] != "https://x.test/ok.png" {
		t.Fatalf("foreign after neutralize: %v", got)
	}
	if !strings.Contains(out, UnresolvedAttr+`="https://x.test/broken.png"`) {
		t.Fatalf("unresolved attribute missing: %s", out)
	}
}

func TestAbsoluteOwned(t *testing.T) {
	markup := `<p><img src="/blobs/c_456"><img src="https://mail.example.com/blobs/c_1"><img src="/static/x.png"></p>`
	out, changed := AbsoluteOwned(markup, testCls)
	if !changed {
		t.Fatal("expected change")
	}
	want := []string{
		"https://mail.example.com/blobs/c_456",
		"https://mail.example.com/blobs/c_1",
		"/static/x.png",
	}
	if diff := cmp.Diff(want, ImageSources(out)); diff != "" {
		t.Errorf("sources (-want +got):\n%s", diff)
	}
	if again, changed := AbsoluteOwned(out, testCls); changed || again != out {
		t.Errorf("second pass changed markup: %s", again)
	}
}

func TestDocument_RevisionAndListeners(t *testing.T) {
	doc := New("o1", SlotHeader, "", testCls)
	var got []Change
	unsub := doc.OnChange(func(c Change) { got = append(got, c) })

	doc.Edit("<p>a</p>")
	doc.Paste("<p>b</p>")
	if doc.Markup() != "<p>a</p><p>b</p>" {
		t.Fatalf("markup: %q", doc.Markup())
	}
	if !doc.Dirty() {
		t.Fatal("expected dirty")
	}
	unsub()
	doc.Edit("<p>c</p>")

	want := []Change{{Origin: OriginUser, Revision: 1}, {Origin: OriginPaste, Revision: 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("changes (-want +got):\n%s", diff)
	}
}

func TestDocument_ApplyResolvedStaleRevision(t *testing.T) {
	doc := New("o1", SlotFooter, "<p>a</p>", testCls)
	_, rev := doc.State()
	doc.Edit("<p>b</p>")

	if doc.ApplyResolved(rev, "<p>resolved</p>") {
		t.Fatal("stale write must be rejected")
	}
	if doc.Markup() != "<p>b</p>" {
		t.Fatalf("markup changed by stale write: %q", doc.Markup())
	}
}

func TestDocument_ApplyResolvedHoldsGuard(t *testing.T) {
	doc := New("o1", SlotSignature, "<p>a</p>", testCls)
	var activeDuringNotify bool
	doc.OnChange(func(c Change) {
		if c.Origin == OriginResolver {
			activeDuringNotify = doc.Guard().Active()
		}
	})
	_, rev := doc.State()
	if !doc.ApplyResolved(rev, "<p>b</p>") {
		t.Fatal("apply rejected")
	}
	if !activeDuringNotify {
		t.Fatal("guard must be active while listeners run")
	}
	if doc.Guard().Active() {
		t.Fatal("guard must be released after apply")
	}
}

func TestDocument_ReferencesCarryFailures(t *testing.T) {
	doc := New("o1", SlotHeader, `<img src="https://x.test/404.png">`, testCls)
	doc.RecordFailure("https://x.test/404.png", "http 404")
	refs := doc.References()
	if len(refs) != 1 || refs[0].Status != StatusFailed || refs[0].Error != "http 404" {
		t.Fatalf("refs: %+v", refs)
	}
	doc.ResetFailures()
	if doc.References()[0].Status != StatusPending {
		t.Fatal("expected pending after reset")
	}
}

func TestParseSlot(t *testing.T) {
	if s, err := ParseSlot("footer"); err != nil || s != SlotFooter {
		t.Fatalf("got %q, %v", s, err)
	}
	if _, err := ParseSlot("body"); err == nil {
		t.Fatal("expected error")
	}
}

func TestSanitize_KeepsTemplateSubset(t *testing.T) {
	in := `<p style="color: red">Hi</p><script>alert(1)</script><img src="https://x.test/a.png" onerror="x()"><a href="https://x.test">l</a>`
	out := Sanitize(in)
	if strings.Contains(out, "<script") || strings.Contains(out, "onerror") {
		t.Fatalf("unsafe markup kept: %s", out)
	}
	if !strings.Contains(out, `src="https://x.test/a.png"`) {
		t.Fatalf("image dropped: %s", out)
	}
	if !strings.Contains(out, "color: red") {
		t.Fatalf("inline style dropped: %s", out)
	}
}

func TestPlainText(t *testing.T) {
	md, err := PlainText(`<p><strong>Jane Doe</strong></p><ul><li>CTO</li></ul>`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(md, "**Jane Doe**") || !strings.Contains(md, "CTO") {
		t.Fatalf("markdown: %q", md)
	}
	if md, _ := PlainText("   "); md != "" {
		t.Fatalf("empty markup: %q", md)
	}
}
