package printer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	nethtml "golang.org/x/net/html"
)

type formattedBody struct {
	Text    string
	Notices []string
}

// formatBody renders at most limit bytes of body for the console. JSON is
// indented and HTML is shown as an element outline.
func formatBody(contentType string, body []byte, limit int) formattedBody {
	if len(body) == 0 || limit <= 0 {
		return formattedBody{}
	}
	if !utf8.Valid(body) {
		return formattedBody{Notices: []string{
			fmt.Sprintf("[Binary body: %s, %s. Content skipped.]", contentType, humanize.Bytes(uint64(len(body)))),
		}}
	}

	mediaType := normalizeMediaType(contentType)
	text := string(body)
	if looksLikeJSON(mediaType, body) {
		if pretty, ok := prettyJSON(body); ok {
			text = pretty
		}
	} else if strings.Contains(mediaType, "html") || looksLikeHTML(body) {
		if outline, err := prettyHTML(body); err == nil {
			text = outline
		}
	}

	var res formattedBody
	if len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
		res.Notices = append(res.Notices,
			fmt.Sprintf("[Showing first %s of %s]", humanize.Bytes(uint64(limit)), humanize.Bytes(uint64(len(body)))))
	}
	res.Text = text
	return res
}

func normalizeMediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return strings.ToLower(mediaType)
}

func looksLikeJSON(mediaType string, body []byte) bool {
	if strings.Contains(mediaType, "json") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false
	}
	first := trimmed[0]
	last := trimmed[len(trimmed)-1]
	return (first == '{' && last == '}') || (first == '[' && last == ']')
}

func looksLikeHTML(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) < 5 {
		return false
	}
	prefix := strings.ToLower(string(trimmed[:5]))
	return strings.HasPrefix(prefix, "<html") || strings.HasPrefix(prefix, "<!doc")
}

func prettyJSON(body []byte) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return "", false
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		return "", false
	}
	return buf.String(), true
}

func prettyHTML(data []byte) (string, error) {
	node, err := nethtml.Parse(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	var builder strings.Builder
	renderHTMLNode(&builder, node, 0)
	return builder.String(), nil
}

func renderHTMLNode(builder *strings.Builder, node *nethtml.Node, depth int) {
	switch node.Type {
	case nethtml.DocumentNode:
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			renderHTMLNode(builder, child, depth)
		}
	case nethtml.ElementNode:
		indent := strings.Repeat("  ", depth)
		builder.WriteString(indent)
		builder.WriteString("<" + node.Data)
		for _, attr := range node.Attr {
			fmt.Fprintf(builder, " %s=\"%s\"", attr.Key, html.EscapeString(attr.Val))
		}
		if isVoidElement(node.Data) {
			builder.WriteString(" />\n")
			return
		}
		builder.WriteString(">\n")
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			renderHTMLNode(builder, child, depth+1)
		}
		if node.FirstChild != nil {
			builder.WriteString(indent)
		}
		builder.WriteString("</" + node.Data + ">\n")
	case nethtml.TextNode:
		text := strings.TrimSpace(node.Data)
		if text == "" {
			return
		}
		builder.WriteString(strings.Repeat("  ", depth))
		builder.WriteString(text)
		builder.WriteString("\n")
	}
}

func isVoidElement(tag string) bool {
	switch strings.ToLower(tag) {
	case "area", "base", "br", "col", "embed", "hr", "img", "input", "link", "meta", "source", "track", "wbr":
		return true
	default:
		return false
	}
}
