package delivery

import (
	"time"

	"github.com/pders01/feedtriage/internal/storage"
)

const (
	embedColor          = 15158332
	maxEmbedDescription = 500
)

// webhookPayload is a Discord-compatible message with a single embed.
type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

type embed struct {
	Title       string       `json:"title"`
	URL         string       `json:"url,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedFooter struct {
	Text string `json:"text"`
}

func buildPayload(item *storage.Item, feedName, actor, footer string) webhookPayload {
	e := embed{
		Title:       item.Title,
		URL:         item.URL,
		Description: truncate(item.Summary, maxEmbedDescription),
		Color:       embedColor,
		Fields: []embedField{
			{Name: "Source", Value: orDash(feedName), Inline: true},
			{Name: "Triaged By", Value: orDash(actor), Inline: true},
			{Name: "Published", Value: item.PublishedAt.UTC().Format("2006-01-02 15:04 MST"), Inline: true},
		},
		Timestamp: item.PublishedAt.UTC().Format(time.RFC3339),
	}
	if footer != "" {
		e.Footer = &embedFooter{Text: footer}
	}
	return webhookPayload{Embeds: []embed{e}}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
