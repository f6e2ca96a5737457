package dom

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loginPage = `<!DOCTYPE html>
<html><head><title>t</title><style>.x{}</style></head>
<body>
  <h2>Welcome back</h2>
  <form id="verify">
    <div class="otp-container">
      <input maxlength="1" name="d1">
      <input maxlength="1" name="d2" value="7">
      <input maxlength="1" name="d3" style="display:none">
    </div>
    <input type="hidden" name="csrf" value="abc">
    <fieldset disabled><button id="go">Sign in</button></fieldset>
  </form>
  <p>We sent a code to <strong>bob@dakbox.net</strong></p>
</body></html>`

func mustParse(t *testing.T, doc string, states map[string]NodeState) *Snapshot {
	t.Helper()
	s, err := ParseString(doc, "https://example.com/auth/login?x=1", states)
	require.NoError(t, err)
	return s
}

func TestParse_StampsRefsInDocumentOrder(t *testing.T) {
	s := mustParse(t, loginPage, nil)

	inputs, err := s.QueryAll("input")
	require.NoError(t, err)
	require.Len(t, inputs, 4)

	for i := 1; i < len(inputs); i++ {
		assert.Less(t, inputs[i-1].Order(), inputs[i].Order())
		assert.NotEmpty(t, inputs[i].Ref)
	}
	assert.Equal(t, inputs[0].Node, s.ByRef(inputs[0].Ref).Node)
	assert.Equal(t, "example.com", s.Host())
	assert.Equal(t, "/auth/login", s.Path())
}

func TestParse_KeepsExistingRefs(t *testing.T) {
	s := mustParse(t, `<body><input data-dakbox-ref="live-7" id="a"></body>`, nil)
	el := s.ByRef("live-7")
	require.NotNil(t, el)
	assert.Equal(t, "a", el.ID())

	// A rendered snapshot parses back to the same refs.
	var buf bytes.Buffer
	require.NoError(t, s.Render(&buf))
	again, err := Parse(&buf, "https://example.com/", nil)
	require.NoError(t, err)
	assert.NotNil(t, again.ByRef("live-7"))
}

func TestQuery_InvalidSelector(t *testing.T) {
	s := mustParse(t, loginPage, nil)
	_, err := s.QueryAll("input[")
	assert.Error(t, err)
	_, err = s.Query("#")
	assert.Error(t, err)
}

func TestElement_StaticVisibility(t *testing.T) {
	s := mustParse(t, loginPage, nil)

	d1, _ := s.Query(`input[name="d1"]`)
	d3, _ := s.Query(`input[name="d3"]`)
	csrf, _ := s.Query(`input[name="csrf"]`)
	title, _ := s.Query("title")

	assert.True(t, d1.Visible())
	assert.False(t, d3.Visible(), "display:none hides the element")
	assert.False(t, csrf.Visible(), "type=hidden is never visible")
	assert.False(t, title.Visible(), "head content is not rendered")
}

func TestElement_CapturedStateWins(t *testing.T) {
	probe := mustParse(t, loginPage, nil)
	d1, _ := probe.Query(`input[name="d1"]`)
	d2, _ := probe.Query(`input[name="d2"]`)

	states := map[string]NodeState{
		d1.Ref: {Box: Box{Width: 0, Height: 0, Rendered: true, Known: true}},
		d2.Ref: {Box: Box{Width: 40, Height: 40, Rendered: true, Known: true}, Value: "3", HasValue: true},
	}
	s := mustParse(t, loginPage, states)

	live1 := s.ByRef(d1.Ref)
	live2 := s.ByRef(d2.Ref)
	assert.False(t, live1.Visible(), "zero sized boxes are not visible")
	assert.True(t, live2.Visible())
	assert.Equal(t, "3", live2.Value(), "live value overrides the attribute")
	assert.Equal(t, "", live1.Value())
}

func TestElement_DisabledThroughFieldset(t *testing.T) {
	s := mustParse(t, loginPage, nil)
	btn, _ := s.Query("#go")
	require.NotNil(t, btn)
	assert.True(t, btn.Disabled())

	d1, _ := s.Query(`input[name="d1"]`)
	assert.False(t, d1.Disabled())
}

func TestElement_ClosestAndMatches(t *testing.T) {
	s := mustParse(t, loginPage, nil)
	d1, _ := s.Query(`input[name="d1"]`)

	form, err := d1.Closest("form")
	require.NoError(t, err)
	require.NotNil(t, form)
	assert.Equal(t, "verify", form.ID())

	self, err := d1.Closest("input")
	require.NoError(t, err)
	assert.Equal(t, d1.Ref, self.Ref)

	ok, err := d1.Matches(".otp-container input")
	require.NoError(t, err)
	assert.True(t, ok)

	none, err := d1.Closest("table")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestElement_TextAndXPath(t *testing.T) {
	s := mustParse(t, loginPage, nil)
	strong, _ := s.Query("strong")
	assert.Equal(t, "bob@dakbox.net", strong.Text())
	assert.Contains(t, s.Text(), "We sent a code to")
	assert.NotContains(t, s.Text(), ".x{}", "head styles are not body text")

	d2, _ := s.Query(`input[name="d2"]`)
	assert.Equal(t, "//*[@id='verify']/div[1]/input[2]", d2.XPath())
	assert.Equal(t, `input[name="d2"]`, d2.String())

	found, err := s.Find("//input[@maxlength='1']")
	require.NoError(t, err)
	assert.Len(t, found, 3)
}

func TestElement_InlineWidthHint(t *testing.T) {
	s := mustParse(t, `<body><input id="w" style="width: 42px; height:30px"></body>`, nil)
	el, _ := s.Query("#w")
	box := el.Box()
	assert.True(t, box.Known)
	assert.Equal(t, 42.0, box.Width)
	assert.Equal(t, 30.0, box.Height)
}
