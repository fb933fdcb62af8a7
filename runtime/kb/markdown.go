package kb

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

type (
	// frontmatter is the YAML header recognized at the top of a note.
	frontmatter struct {
		ID      string   `yaml:"id"`
		Title   string   `yaml:"title"`
		Aliases []string `yaml:"aliases"`
		Tags    []string `yaml:"tags"`
		Type    string   `yaml:"type"`
	}

	// parsedDoc is the outcome of partitioning one Markdown document.
	parsedDoc struct {
		Meta   frontmatter
		Blocks []*Block
		Links  []*Link
	}
)

var (
	// wikilinkRE matches [[target]], [[target|label]] and the transclusion
	// form ![[target]].
	wikilinkRE = regexp.MustCompile(`(!?)\[\[([^\]|]+)(?:\|[^\]]*)?\]\]`)

	headingRE  = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	listItemRE = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+`)
)

// normalizeContent canonicalizes line endings so content hashes are stable
// across platforms.
func normalizeContent(data []byte) string {
	return strings.ReplaceAll(strings.ReplaceAll(string(data), "\r\n", "\n"), "\r", "\n")
}

// contentDigest returns the stable hex digest of normalized document text.
func contentDigest(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// blockDigest hashes one block's text together with its kind and heading
// path, so a paragraph moving under a different heading re-embeds.
func blockDigest(kind BlockKind, headingPath, text string) string {
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + headingPath + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// parseMarkdown partitions normalized Markdown content into frontmatter,
// blocks (headings with breadcrumb paths, paragraphs, code blocks, list
// items) and wikilink/transclusion references. Offsets are byte offsets into
// the normalized content.
func parseMarkdown(content string) (*parsedDoc, error) {
	doc := &parsedDoc{}
	body := content
	bodyOffset := 0

	if strings.HasPrefix(content, "---\n") {
		if end := strings.Index(content[4:], "\n---\n"); end >= 0 {
			raw := content[4 : 4+end]
			if err := yaml.Unmarshal([]byte(raw), &doc.Meta); err != nil {
				return nil, fmt.Errorf("parse frontmatter: %w", err)
			}
			bodyOffset = 4 + end + len("\n---\n")
			body = content[bodyOffset:]
		}
	}

	var (
		breadcrumb []string // heading text per level, index = level-1
		lines      = strings.Split(body, "\n")
		offset     = bodyOffset

		paraStart = -1
		paraLines []string

		inFence    bool
		fenceStart int
		fenceLines []string
	)

	headingPath := func() string { return strings.Join(compactPath(breadcrumb), " > ") }

	flushParagraph := func(end int) {
		if paraStart < 0 {
			return
		}
		text := strings.TrimSpace(strings.Join(paraLines, "\n"))
		if text != "" {
			doc.addBlock(BlockParagraph, headingPath(), paraStart, end, text)
		}
		paraStart = -1
		paraLines = nil
	}

	for _, line := range lines {
		lineStart := offset
		offset += len(line) + 1

		if inFence {
			fenceLines = append(fenceLines, line)
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				text := strings.Join(fenceLines, "\n")
				doc.addBlock(BlockCode, headingPath(), fenceStart, lineStart+len(line), text)
				inFence = false
				fenceLines = nil
			}
			continue
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "```"):
			flushParagraph(lineStart - 1)
			inFence = true
			fenceStart = lineStart
			fenceLines = []string{line}

		case headingRE.MatchString(line):
			flushParagraph(lineStart - 1)
			m := headingRE.FindStringSubmatch(line)
			level := len(m[1])
			title := strings.TrimSpace(m[2])
			if level > len(breadcrumb) {
				for len(breadcrumb) < level-1 {
					breadcrumb = append(breadcrumb, "")
				}
				breadcrumb = append(breadcrumb, title)
			} else {
				breadcrumb = breadcrumb[:level]
				breadcrumb[level-1] = title
			}
			doc.addBlock(BlockHeading, headingPath(), lineStart, lineStart+len(line), title)

		case listItemRE.MatchString(line):
			flushParagraph(lineStart - 1)
			doc.addBlock(BlockListItem, headingPath(), lineStart, lineStart+len(line), trimmed)

		case trimmed == "":
			flushParagraph(lineStart - 1)

		default:
			if paraStart < 0 {
				paraStart = lineStart
			}
			paraLines = append(paraLines, line)
		}
	}
	flushParagraph(offset - 1)
	if inFence {
		// Unterminated fence: keep what we collected as a code block.
		text := strings.Join(fenceLines, "\n")
		doc.addBlock(BlockCode, headingPath(), fenceStart, offset-1, text)
	}

	return doc, nil
}

func (d *parsedDoc) addBlock(kind BlockKind, headingPath string, start, end int, text string) {
	b := &Block{
		Kind:        kind,
		HeadingPath: headingPath,
		Start:       start,
		End:         end,
		Text:        text,
		Hash:        blockDigest(kind, headingPath, text),
	}
	d.Blocks = append(d.Blocks, b)
	for _, m := range wikilinkRE.FindAllStringSubmatch(text, -1) {
		refKind := RefWikilink
		if m[1] == "!" {
			refKind = RefTransclusion
		}
		d.Links = append(d.Links, &Link{
			SrcBlock: b,
			DstRef:   strings.TrimSpace(m[2]),
			RefKind:  refKind,
		})
	}
}

// compactPath drops empty breadcrumb slots left by heading level jumps.
func compactPath(path []string) []string {
	out := make([]string, 0, len(path))
	for _, p := range path {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
