package markdown

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

type spacing struct{}

// Spacing is a goldmark extension applying Text to text, inline code, link and
// image titles and image alt text.
var Spacing goldmark.Extender = &spacing{}

func (e *spacing) Extend(m goldmark.Markdown) {
	m.Parser().AddOptions(parser.WithASTTransformers(
		util.Prioritized(&spacingTransformer{}, 999),
	))
	m.Renderer().AddOptions(renderer.WithNodeRenderers(
		util.Prioritized(newCodeSpanRenderer(), 500),
	))
}

// New returns a goldmark instance with the spacing extension installed.
func New(opts ...goldmark.Option) goldmark.Markdown {
	return goldmark.New(append(opts, goldmark.WithExtensions(Spacing))...)
}

// Render converts markdown to HTML with spacing applied.
func Render(source []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := New().Convert(source, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type spacingTransformer struct{}

func (t *spacingTransformer) Transform(doc *ast.Document, reader text.Reader, pc parser.Context) {
	source := reader.Source()

	// nodes are replaced after the walk so sibling iteration stays intact
	var texts []*ast.Text
	var codes []*ast.CodeSpan

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.CodeSpan:
			codes = append(codes, node)
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if !node.IsRaw() {
				texts = append(texts, node)
			}
		case *ast.String:
			if !node.IsRaw() && !node.IsCode() {
				node.Value = spaceBytes(node.Value)
			}
		case *ast.Link:
			node.Title = spaceBytes(node.Title)
		case *ast.Image:
			node.Title = spaceBytes(node.Title)
		}
		return ast.WalkContinue, nil
	})

	for _, node := range texts {
		replaceText(node, source)
	}
	for _, node := range codes {
		replaceCodeSpan(node, source)
	}
}

func spaceBytes(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	spaced := Text(string(b))
	if spaced == string(b) {
		return b
	}
	return []byte(spaced)
}

// replaceText swaps a changed text node for a string node. Line breaks live on
// text nodes, so they move to an empty text node right after it.
func replaceText(node *ast.Text, source []byte) {
	parent := node.Parent()
	if parent == nil {
		return
	}
	value := decodeText(node.Segment.Value(source))
	spaced := Text(string(value))
	if spaced == string(value) {
		return
	}

	// already decoded, so the string is written raw (HTML-escaped only)
	str := ast.NewString([]byte(spaced))
	str.SetRaw(true)
	parent.ReplaceChild(parent, node, str)

	if node.SoftLineBreak() || node.HardLineBreak() {
		end := node.Segment.Stop
		brk := ast.NewTextSegment(text.NewSegment(end, end))
		brk.SetSoftLineBreak(node.SoftLineBreak())
		brk.SetHardLineBreak(node.HardLineBreak())
		parent.InsertAfter(parent, str, brk)
	}
}

// replaceCodeSpan collapses the code content into one string child. Line
// endings inside inline code render as spaces, matching the default renderer.
func replaceCodeSpan(node *ast.CodeSpan, source []byte) {
	var content []byte
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		value := childValue(c, source)
		if bytes.HasSuffix(value, []byte("\n")) {
			value = append(value[:len(value)-1:len(value)-1], ' ')
		}
		content = append(content, value...)
	}
	spaced := Text(string(content))
	if spaced == string(content) {
		return
	}

	node.RemoveChildren(node)
	str := ast.NewString([]byte(spaced))
	str.SetCode(true)
	node.AppendChild(node, str)
}

// decodeText resolves backslash escapes and character references the way the
// HTML writer would, so spacing sees the characters a reader sees.
func decodeText(value []byte) []byte {
	value = util.UnescapePunctuations(value)
	value = util.ResolveNumericReferences(value)
	return util.ResolveEntityNames(value)
}

func childValue(n ast.Node, source []byte) []byte {
	switch c := n.(type) {
	case *ast.Text:
		return c.Segment.Value(source)
	case *ast.String:
		return c.Value
	default:
		return nil
	}
}

// codeSpanRenderer renders inline code whose children may be strings as well
// as text segments.
type codeSpanRenderer struct {
	html.Config
}

func newCodeSpanRenderer(opts ...html.Option) renderer.NodeRenderer {
	r := &codeSpanRenderer{Config: html.NewConfig()}
	for _, opt := range opts {
		opt.SetHTMLOption(&r.Config)
	}
	return r
}

func (r *codeSpanRenderer) SetOption(name renderer.OptionName, value any) {
	r.Config.SetOption(name, value)
}

func (r *codeSpanRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindCodeSpan, r.renderCodeSpan)
}

func (r *codeSpanRenderer) renderCodeSpan(w util.BufWriter, source []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		_, _ = w.WriteString("</code>")
		return ast.WalkContinue, nil
	}
	if n.Attributes() != nil {
		_, _ = w.WriteString("<code")
		html.RenderAttributes(w, n, html.CodeAttributeFilter)
		_ = w.WriteByte('>')
	} else {
		_, _ = w.WriteString("<code>")
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		value := childValue(c, source)
		if bytes.HasSuffix(value, []byte("\n")) {
			r.Writer.RawWrite(w, value[:len(value)-1])
			r.Writer.RawWrite(w, []byte(" "))
		} else {
			r.Writer.RawWrite(w, value)
		}
	}
	return ast.WalkSkipChildren, nil
}
