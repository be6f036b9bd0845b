package document

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// PlaceholderText is rendered for anchors that no stage has written yet.
const PlaceholderText = "TBD"

// Export renders a document as Markdown. Every anchor's content sits
// between <!-- ANCHOR_START --> and <!-- ANCHOR_END --> markers so the
// output stays machine-splittable.
func Export(ctx context.Context, store Store, taskID string, w io.Writer) error {
	doc, err := store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	sections, err := store.ReadAll(ctx, taskID)
	if err != nil {
		return err
	}
	return Render(doc, sections, w)
}

// Render writes the Markdown form of an already loaded document.
func Render(doc *Document, sections []*Section, w io.Writer) error {
	bw := bufio.NewWriter(w)
	bySection := make(map[string]*Section, len(sections))
	for _, s := range sections {
		bySection[s.Anchor] = s
	}

	fmt.Fprintf(bw, "# 协作表单：%s\n\n", doc.Inputs.Objective)
	fmt.Fprintf(bw, "- task: `%s`\n- status: `%s`", doc.TaskID, doc.Status)
	if doc.StatusReason != "" {
		fmt.Fprintf(bw, " (%s)", doc.StatusReason)
	}
	fmt.Fprintf(bw, "\n- updated: %s\n\n", doc.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"))

	bw.WriteString("## 索引\n\n")
	for _, a := range doc.Anchors {
		state := PlaceholderText
		if s, ok := bySection[a.Name]; ok && !s.Placeholder {
			state = fmt.Sprintf("v%d", s.Version)
			if s.Degraded {
				state += ", degraded"
			}
		}
		fmt.Fprintf(bw, "- %s: `%s` (%s)\n", anchorTitle(a), a.Name, state)
	}
	bw.WriteString("\n")

	for _, a := range doc.Anchors {
		fmt.Fprintf(bw, "## %s\n\n", anchorTitle(a))
		fmt.Fprintf(bw, "<!-- %s_START -->\n", a.Name)
		s, ok := bySection[a.Name]
		switch {
		case !ok || s.Placeholder:
			bw.WriteString(PlaceholderText + "\n")
		default:
			if s.Degraded {
				for _, r := range s.DegradedReasons {
					fmt.Fprintf(bw, "> degraded: %s\n", r)
				}
				bw.WriteString("\n")
			}
			bw.WriteString("```json\n")
			bw.Write(prettyJSON(s.Payload))
			bw.WriteString("\n```\n")
		}
		fmt.Fprintf(bw, "<!-- %s_END -->\n\n", a.Name)
	}
	return bw.Flush()
}

func anchorTitle(a Anchor) string {
	if a.Title != "" {
		return a.Title
	}
	return a.Name
}

func prettyJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return raw
	}
	return buf.Bytes()
}
