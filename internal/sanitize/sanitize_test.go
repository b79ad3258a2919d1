package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTML(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		want     string
		warnings int
	}{
		{
			name:  "clean markup is untouched",
			input: `<p class="lead">Hello &amp; <a href="/about">welcome</a></p><!-- wp:paragraph -->`,
			want:  `<p class="lead">Hello &amp; <a href="/about">welcome</a></p><!-- wp:paragraph -->`,
		},
		{
			name:     "script element and body removed",
			input:    `<p>Hi</p><script>alert(1)</script><p>Bye</p>`,
			want:     `<p>Hi</p><p>Bye</p>`,
			warnings: 1,
		},
		{
			name:     "nested denied elements",
			input:    `<object><object><param name="x"></object>inner</object>after`,
			want:     `after`,
			warnings: 1,
		},
		{
			name:     "iframe form embed and base",
			input:    `<iframe src="https://evil.example"></iframe><form action="/x"><input name="q"></form><embed src="a.swf"><base href="/">ok`,
			want:     `ok`,
			warnings: 4,
		},
		{
			name:     "event handlers stripped",
			input:    `<img src="a.jpg" onerror="alert(1)" alt="a">`,
			want:     `<img src="a.jpg" alt="a">`,
			warnings: 1,
		},
		{
			name:     "script uri neutralised",
			input:    `<a href=" jav&#x09;ascript:alert(1)">x</a>`,
			want:     `<a>x</a>`,
			warnings: 1,
		},
		{
			name:     "data html uri in srcset",
			input:    `<img srcset="a.jpg 1x, data:text/html;base64,AAAA 2x">`,
			want:     `<img>`,
			warnings: 1,
		},
		{
			name:     "style expression",
			input:    `<div style="width: expression(alert(1))">x</div>`,
			want:     `<div>x</div>`,
			warnings: 1,
		},
		{
			name:     "script-like text is flagged but kept",
			input:    `<p>call eval(x) on document.cookie</p>`,
			want:     `<p>call eval(x) on document.cookie</p>`,
			warnings: 2,
		},
		{
			name:     "conditional comment removed",
			input:    `<!--[if IE]><script>x</script><![endif]-->ok`,
			want:     `ok`,
			warnings: 1,
		},
		{
			name:     "unparseable trailing fragment dropped",
			input:    `<p>ok</p><a href="x`,
			want:     `<p>ok</p>`,
			warnings: 1,
		},
		{
			name:     "unterminated script",
			input:    `before<script>alert(1)`,
			want:     `before`,
			warnings: 2,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := HTML(tc.input)
			assert.Equal(t, tc.want, res.HTML)
			assert.Len(t, res.Warnings, tc.warnings, "warnings: %v", res.Warnings)
			assert.Equal(t, tc.warnings > 0, res.Modified())
		})
	}
}

func TestHTMLNeverPanics(t *testing.T) {
	inputs := []string{
		"<", "<<>>", "</", "<!", "<!--", "<a <b <c", "\x00\xff\xfe",
		strings.Repeat("<div>", 5000),
		`<svg><script xlink:href="javascript:1"/></svg>`,
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			res := HTML(in)
			assert.NotContains(t, strings.ToLower(res.HTML), "<script")
		})
	}
}

func TestHTMLEmpty(t *testing.T) {
	res := HTML("")
	assert.Empty(t, res.HTML)
	assert.False(t, res.Modified())
}
