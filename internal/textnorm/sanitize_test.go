package textnorm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeDescription(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "style to semantic tags and classes",
			in:   `<div style="text-align:center"><span style="font-weight:bold">Hello</span> <script>alert(1)</script>world</div>`,
			want: `<p class="text-center"><strong>Hello</strong> world</p>`,
		},
		{
			name: "headings collapse and links go secure",
			in:   `<h1>Title</h1><p>Apply <a href="http://example.com/jobs" onclick="steal()">here</a></p>`,
			want: `<h3>Title</h3><p>Apply <a href="https://example.com/jobs" rel="noopener noreferrer" target="_blank">here</a></p>`,
		},
		{
			name: "entities and whitespace",
			in:   "<p>Tom &amp; Jerry&nbsp;&nbsp;\n rock</p>",
			want: `<p>Tom &amp; Jerry rock</p>`,
		},
		{
			name: "script links are unwrapped",
			in:   `<a href="javascript:alert(1)">click</a>`,
			want: `click`,
		},
		{
			name: "legacy inline tags",
			in:   `<ul><li><b>One</b></li><li><i>Two</i></li></ul>`,
			want: `<ul><li><strong>One</strong></li><li><em>Two</em></li></ul>`,
		},
		{
			name: "font size on inline content",
			in:   `<span style="font-size: 20px">Big</span><span style="font-size:10px">tiny</span>`,
			want: `<span class="text-large">Big</span><span class="text-small">tiny</span>`,
		},
		{
			name: "unknown tags unwrapped and attributes dropped",
			in:   `<table><tr><td class="x" id="y">cell</td></tr></table><img src="a.png"><h5 style="font-style:italic">Note</h5>`,
			want: `<p>cell</p><h4><em>Note</em></h4>`,
		},
		{
			name: "table cells stay apart",
			in:   `<table><tr><th>Base</th><td>$100k</td></tr><tr><td>a</td><td><b>b</b></td></tr></table>`,
			want: `<p>Base $100k</p><p>a <strong>b</strong></p>`,
		},
		{
			name: "definition lists become paragraphs",
			in:   `<dl><dt>Team</dt><dd>Platform</dd></dl>`,
			want: `<p>Team</p><p>Platform</p>`,
		},
		{
			name: "nested blocks do not nest paragraphs",
			in:   `<p>a<div>b</div>c</p><div><div>only</div></div>`,
			want: `<p>a<br>b<br>c</p><p>only</p>`,
		},
		{
			name: "unclosed tags are closed",
			in:   `<p><b>bold`,
			want: `<p><strong>bold</strong></p>`,
		},
		{
			name: "comments and documents",
			in:   `<!DOCTYPE html><html><head><title>t</title></head><body><!-- hi --><p>x</p></body></html>`,
			want: `<p>x</p>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeDescription(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, SanitizeDescription(got), "sanitize must be idempotent")
		})
	}
}

func TestSanitizeDescriptionIdempotentOnMessyInput(t *testing.T) {
	inputs := []string{
		`<div><p style="font-weight:700;text-align:right;font-size:1.5em">Lead <i>role</i></p></div>`,
		`<p>a <span></span> b</p>  <p>  c  </p>`,
		`<b><i>mixed</b></i> tail`,
		`<a href="//cdn.example.com/x" style="font-weight:bold">link</a>`,
		`<p class="text-center junk">kept class</p>`,
		`plain text with <br/> break &lt;tag&gt; and "quotes" 'single'`,
	}
	for i, in := range inputs {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			once := SanitizeDescription(in)
			assert.Equal(t, once, SanitizeDescription(once))
		})
	}
}

func ExampleSanitizeDescription() {
	fmt.Println(SanitizeDescription(`<h2 style="text-align:center">About</h2><div>We <b>build</b> things.</div>`))
	// Output:
	// <h3 class="text-center">About</h3><p>We <strong>build</strong> things.</p>
}
