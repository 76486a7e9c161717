package notion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jomei/notionapi"

	"github.com/sells-group/readiness-cli/internal/model"
)

// Page status values written back after a run.
var runStatusNames = map[model.RunStatus]string{
	model.RunComplete: "Complete",
	model.RunPartial:  "Partial",
	model.RunFailed:   "Failed",
	model.RunSkipped:  "Archived",
}

// EntityFromPage reads an entity queue page. The page needs a Name title;
// URL, Domain and Category properties are optional.
func EntityFromPage(page notionapi.Page) model.Entity {
	e := model.Entity{
		NotionPageID: string(page.ID),
		Name:         plainText(page.Properties["Name"]),
		Category:     plainText(page.Properties["Category"]),
	}

	if prop, ok := page.Properties["URL"].(*notionapi.URLProperty); ok {
		e.Domain = prop.URL
	}
	if e.Domain == "" {
		e.Domain = plainText(page.Properties["Domain"])
	}

	e.Normalize()
	if e.ID == "" {
		e.ID = string(page.ID)
	}
	return e
}

// plainText flattens title, rich text and select properties.
func plainText(prop notionapi.Property) string {
	var b strings.Builder
	switch p := prop.(type) {
	case *notionapi.TitleProperty:
		for _, rt := range p.Title {
			b.WriteString(rt.PlainText)
		}
	case *notionapi.RichTextProperty:
		for _, rt := range p.RichText {
			b.WriteString(rt.PlainText)
		}
	case *notionapi.SelectProperty:
		b.WriteString(p.Select.Name)
	}
	return strings.TrimSpace(b.String())
}

// ReportResult writes a run's outcome back to the entity's queue page.
func ReportResult(ctx context.Context, c Client, pageID string, res model.EntityResult) error {
	status, ok := runStatusNames[res.Status]
	if !ok {
		status = runStatusNames[model.RunFailed]
	}

	now := notionapi.Date(time.Now())
	props := notionapi.Properties{
		"Status": notionapi.StatusProperty{
			Status: notionapi.Status{Name: status},
		},
		"Confidence": notionapi.NumberProperty{
			Number: res.Confidence,
		},
		"Run Cost": notionapi.NumberProperty{
			Number: res.CostUSD,
		},
		"Readiness": richText(readinessSummary(res)),
		"Last Run": notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &now},
		},
	}
	if res.Error != "" {
		props["Error"] = richText(truncate(res.Error, 2000))
	}

	_, err := c.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{Properties: props})
	return err
}

func readinessSummary(res model.EntityResult) string {
	if len(res.States) == 0 {
		return "no validated signals"
	}
	parts := make([]string, 0, len(res.States))
	for _, st := range res.States {
		parts = append(parts, fmt.Sprintf("%s: %s (activity %.2f, maturity %.2f)",
			st.Category, st.State, st.ActivityScore, st.MaturityScore))
	}
	return strings.Join(parts, "; ")
}

func richText(s string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		Type: notionapi.PropertyTypeRichText,
		RichText: []notionapi.RichText{
			{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}},
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
