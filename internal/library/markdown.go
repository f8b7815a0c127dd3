package library

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

var md = goldmark.New()

// splitFrontmatter separates a leading YAML block delimited by "---"
// lines from the body. Text without a well-formed block is all body.
func splitFrontmatter(src string) (map[string]any, string, error) {
	if !strings.HasPrefix(src, "---") {
		return nil, src, nil
	}
	rest := strings.TrimLeft(src[3:], "\n")
	header, body, found := strings.Cut(rest, "\n---")
	if !found {
		return nil, src, nil
	}
	meta := make(map[string]any)
	if err := yaml.Unmarshal([]byte(header), &meta); err != nil {
		return nil, src, fmt.Errorf("frontmatter: %w", err)
	}
	// Drop the remainder of the closing delimiter line.
	if i := strings.IndexByte(body, '\n'); i >= 0 && strings.TrimSpace(strings.Trim(body[:i], "-")) == "" {
		body = body[i+1:]
	} else if strings.Trim(body, "-") == "" {
		body = ""
	}
	return meta, strings.TrimLeft(body, " \t\r\n"), nil
}

// writeFrontmatter renders meta (a struct with yaml tags) and body as a
// markdown file.
func writeFrontmatter(meta any, body string) ([]byte, error) {
	head, err := yaml.Marshal(meta)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimSpace(head))
	buf.WriteString("\n---\n\n")
	buf.WriteString(strings.TrimRight(body, " \t\r\n"))
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

func metaString(meta map[string]any, key string) string {
	switch v := meta[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func metaBool(meta map[string]any, key string, def bool) bool {
	v, ok := meta[key]
	if !ok || v == nil {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b != "" && b != "false"
	case int:
		return b != 0
	}
	return def
}

func metaList(meta map[string]any, key string) []string {
	list, ok := meta[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v == nil {
			continue
		}
		if s := fmt.Sprint(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// atxHeading is a heading written with leading '#' characters.
type atxHeading struct {
	level     int
	lineStart int // offset of the line holding the heading
	hashStart int // offset of the first '#'
	lineEnd   int // offset just past the line's newline
	text      string
}

// atxHeadings returns the ATX headings of src in document order. Code
// blocks and setext headings are not included.
func atxHeadings(src []byte) []atxHeading {
	doc := md.Parser().Parse(text.NewReader(src))
	var out []atxHeading
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		h, ok := n.(*ast.Heading)
		if !entering || !ok || h.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}
		seg := h.Lines().At(0)
		lineStart := bytes.LastIndexByte(src[:seg.Start], '\n') + 1
		hash := bytes.IndexByte(src[lineStart:seg.Start], '#')
		if hash < 0 {
			return ast.WalkContinue, nil
		}
		lineEnd := len(src)
		if i := bytes.IndexByte(src[seg.Start:], '\n'); i >= 0 {
			lineEnd = seg.Start + i + 1
		}
		out = append(out, atxHeading{
			level:     h.Level,
			lineStart: lineStart,
			hashStart: lineStart + hash,
			lineEnd:   lineEnd,
			text:      strings.TrimSpace(string(seg.Value(src))),
		})
		return ast.WalkSkipChildren, nil
	})
	return out
}

// DemoteHeadings pushes every ATX heading down one level, capped at six,
// so rule and context bodies nest under their section in the system
// prompt.
func DemoteHeadings(s string) string {
	src := []byte(s)
	var buf strings.Builder
	last := 0
	for _, h := range atxHeadings(src) {
		if h.level >= 6 {
			continue
		}
		buf.Write(src[last:h.hashStart])
		buf.WriteByte('#')
		last = h.hashStart
	}
	buf.Write(src[last:])
	return buf.String()
}

// Sections are the structured parts of a command body.
type Sections struct {
	Task            string
	SuccessCriteria string
	Guidelines      string
}

var sectionName = regexp.MustCompile(`(?i)^(task|success\s+criteria|guidelines)$`)

// ParseSections splits a command body on its "## Task", "## Success
// Criteria" and "## Guidelines" headings. A body with none of them is
// entirely the task.
func ParseSections(body string) Sections {
	src := []byte(strings.TrimSpace(body))
	var marks []atxHeading
	for _, h := range atxHeadings(src) {
		if h.level == 2 && sectionName.MatchString(h.text) {
			marks = append(marks, h)
		}
	}

	var s Sections
	if len(marks) == 0 {
		s.Task = string(src)
		return s
	}
	for i, h := range marks {
		end := len(src)
		if i+1 < len(marks) {
			end = marks[i+1].lineStart
		}
		content := strings.TrimSpace(string(src[h.lineEnd:max(end, h.lineEnd)]))
		switch name := strings.ToLower(h.text); {
		case strings.Contains(name, "criteria"):
			s.SuccessCriteria = content
		case name == "task":
			s.Task = content
		default:
			s.Guidelines = content
		}
	}
	return s
}

// FormatSections renders sections as a command body.
func FormatSections(s Sections) string {
	return fmt.Sprintf("## Task\n\n%s\n\n## Success Criteria\n\n%s\n\n## Guidelines\n\n%s\n",
		s.Task, s.SuccessCriteria, s.Guidelines)
}

// ContextName reads a context's display name from its first line,
// minus any leading '#'. An empty first line gives "Untitled".
func ContextName(text string) string {
	first, _, _ := strings.Cut(text, "\n")
	first = strings.TrimSpace(first)
	if strings.HasPrefix(first, "#") {
		return strings.TrimSpace(strings.TrimLeft(first, "#"))
	}
	if first == "" {
		return "Untitled"
	}
	return first
}

// contextBody drops a leading heading line, which ContextName already
// reports, and demotes the headings in the rest.
func contextBody(text string) string {
	first, rest, found := strings.Cut(text, "\n")
	if strings.HasPrefix(strings.TrimSpace(first), "#") {
		if !found {
			rest = ""
		}
		text = strings.TrimLeft(rest, "\n")
	}
	return DemoteHeadings(text)
}
