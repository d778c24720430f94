package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_RoundTrip(t *testing.T) {
	for _, doc := range []string{
		"<div>chart</div>",
		"",
		"<script>Plotly.newPlot('g', [])</script>",
		"ünïcødé ✓",
	} {
		out, err := Decode(Encode(doc))
		require.NoError(t, err)
		assert.Equal(t, doc, out)
	}
}

func TestDecode_TrimsWhitespace(t *testing.T) {
	out, err := Decode("  " + Encode("<p>x</p>") + "\n")
	require.NoError(t, err)
	assert.Equal(t, "<p>x</p>", out)
}

func TestDecode_AcceptsMissingPadding(t *testing.T) {
	for _, encoded := range []string{
		"PGRpdj5jaGFydDwvZGl2Pg",
		"PGRpdj5jaGFydDwvZGl2Pg=",
		"PGRpdj5jaGFydDwvZGl2Pg==",
	} {
		out, err := Decode(encoded)
		require.NoError(t, err, encoded)
		assert.Equal(t, "<div>chart</div>", out)
	}
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode("not base64 !!")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestBuildDocument(t *testing.T) {
	graph, err := Decode("PGRpdj5jaGFydDwvZGl2Pg==")
	require.NoError(t, err)

	doc := BuildDocument("Revenue <by> region", []string{"console.log(1)"}, graph)

	assert.Contains(t, doc, "console.log(1)")
	assert.Contains(t, doc, "<div>chart</div>")
	assert.Contains(t, doc, "<title>Revenue &lt;by&gt; region</title>")
	assert.Less(t, strings.Index(doc, "console.log(1)"), strings.Index(doc, "<div>chart</div>"))
}

func TestBuildDocument_SkipsFailedLibraries(t *testing.T) {
	doc := BuildDocument("t", []string{"", "var b = 2"}, "<p/>")
	assert.Equal(t, 1, strings.Count(doc, "\n;\n"))
	assert.Contains(t, doc, "var b = 2")
}

func TestBuildDocument_LibraryCannotCloseScript(t *testing.T) {
	doc := BuildDocument("t", []string{`var s = "</SCRIPT><img>"`}, "<p/>")
	assert.NotContains(t, doc, "</SCRIPT>")
	assert.Contains(t, doc, `<\/SCRIPT>`)
	assert.Equal(t, 1, strings.Count(doc, "</script>"))
}
