package enrich

import (
	"bytes"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/f4ah6o/site-snacker-go/internal/registry"
)

var (
	audioExtRe    = regexp.MustCompile(`(?i)\.(mp3|wav|ogg|m4a|aac)$`)
	frontmatterRe = regexp.MustCompile(`(?s)\A---\r?\n.*?\r?\n---\r?\n`)
)

// reference is one media link found in the Markdown source.
type reference struct {
	kind  registry.Kind
	dest  string
	label string
	// end is the source offset where annotations are inserted.
	end int
}

// scan finds images and audio links in document order. Code spans and code
// blocks never produce Image or Link nodes, so their contents are ignored.
func scan(src []byte) []reference {
	offset := 0
	if loc := frontmatterRe.FindIndex(src); loc != nil {
		offset = loc[1]
	}
	body := src[offset:]
	doc := goldmark.New().Parser().Parse(text.NewReader(body))

	var refs []reference
	cursor := 0
	linkEnds := map[ast.Node]int{}
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if end, ok := linkEnds[n]; ok && end > cursor {
				cursor = end
			}
			return ast.WalkContinue, nil
		}

		var ref reference
		switch node := n.(type) {
		case *ast.Image:
			ref = reference{kind: registry.KindImage, dest: string(node.Destination)}
		case *ast.Link:
			dest := string(node.Destination)
			if !isAudio(dest) {
				return ast.WalkContinue, nil
			}
			ref = reference{kind: registry.KindAudio, dest: dest}
		default:
			return ast.WalkContinue, nil
		}

		ref.label = labelText(n, body)
		// An image inside a link is annotated after the whole link.
		anchor := n
		for p := n.Parent(); p != nil; p = p.Parent() {
			if _, ok := p.(*ast.Link); ok {
				anchor = p
				break
			}
		}
		end, ok := locateEnd(anchor, body, cursor)
		if !ok {
			return ast.WalkSkipChildren, nil
		}
		ref.end = end + offset
		refs = append(refs, ref)
		if anchor != n {
			linkEnds[anchor] = end
			return ast.WalkSkipChildren, nil
		}
		if _, ok := n.(*ast.Link); ok {
			// Children may hold images, so the cursor moves on exit.
			linkEnds[n] = end
			return ast.WalkContinue, nil
		}
		cursor = end
		return ast.WalkSkipChildren, nil
	})

	sort.SliceStable(refs, func(i, j int) bool { return refs[i].end < refs[j].end })
	return refs
}

func isAudio(dest string) bool {
	p := dest
	if u, err := url.Parse(dest); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return audioExtRe.MatchString(p)
}

// labelText concatenates the text segments under n.
func labelText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if t, ok := c.(*ast.Text); ok && entering {
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() {
				b.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// locateEnd returns the offset just past the inline markup of n. When the
// closing parenthesis cannot be found the end of the enclosing block is used.
func locateEnd(n ast.Node, src []byte, cursor int) (int, bool) {
	if end, ok := inlineEnd(n, src, cursor); ok {
		return end, true
	}
	return blockEnd(n)
}

// inlineEnd finds the end of an inline image or link from the end of its
// label. Nested images are measured first so the outer `](` is not confused
// with theirs.
func inlineEnd(n ast.Node, src []byte, cursor int) (int, bool) {
	labelStop := contentEnd(n, src, cursor)
	if labelStop < 0 {
		if i := bytes.Index(src[cursor:], []byte("[](")); i >= 0 {
			labelStop = cursor + i + 1
		}
	}
	if labelStop < 0 {
		return 0, false
	}
	return markupEnd(src, labelStop)
}

// contentEnd returns the offset past the last source byte under n, or -1.
func contentEnd(n ast.Node, src []byte, cursor int) int {
	end := -1
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		e := -1
		switch c := c.(type) {
		case *ast.Text:
			e = c.Segment.Stop
		case *ast.Image, *ast.Link:
			if v, ok := inlineEnd(c, src, cursor); ok {
				e = v
			}
		default:
			e = contentEnd(c, src, cursor)
		}
		if e > end {
			end = e
		}
	}
	return end
}

// markupEnd parses `](destination "title")` starting at or shortly after from.
func markupEnd(src []byte, from int) (int, bool) {
	i := bytes.Index(src[from:], []byte("]("))
	if i < 0 || !onlyEmphasis(src[from:from+i]) {
		return 0, false
	}
	p := from + i + 2
	p = skipSpace(src, p)

	if p < len(src) && src[p] == '<' {
		j := bytes.IndexByte(src[p:], '>')
		if j < 0 {
			return 0, false
		}
		p += j + 1
	} else {
		depth := 0
	dest:
		for p < len(src) {
			switch src[p] {
			case '\\':
				p++
			case '(':
				depth++
			case ')':
				if depth == 0 {
					break dest
				}
				depth--
			case ' ', '\t', '\n':
				break dest
			}
			p++
		}
	}

	p = skipSpace(src, p)
	if p < len(src) && (src[p] == '"' || src[p] == '\'' || src[p] == '(') {
		closer := src[p]
		if closer == '(' {
			closer = ')'
		}
		p++
		for p < len(src) && src[p] != closer {
			if src[p] == '\\' {
				p++
			}
			p++
		}
		p = skipSpace(src, p+1)
	}
	if p >= len(src) || src[p] != ')' {
		return 0, false
	}
	return p + 1, true
}

func onlyEmphasis(gap []byte) bool {
	for _, c := range gap {
		if !strings.ContainsRune("*_~`", rune(c)) {
			return false
		}
	}
	return true
}

func skipSpace(src []byte, p int) int {
	for p < len(src) && (src[p] == ' ' || src[p] == '\t' || src[p] == '\n') {
		p++
	}
	return p
}

func blockEnd(n ast.Node) (int, bool) {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if p.Type() != ast.TypeBlock {
			continue
		}
		lines := p.Lines()
		if lines.Len() > 0 {
			return lines.At(lines.Len() - 1).Stop, true
		}
	}
	return 0, false
}
