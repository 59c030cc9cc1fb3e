package feed

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pders01/feedtriage/internal/storage"
)

type testEntry struct {
	title   string
	link    string
	summary string
	pubDate string
}

func rssDoc(entries ...testEntry) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
	<channel>
		<title>Advisories</title>
		<link>https://vendor.example.org</link>
		<description>Security advisories</description>
`)
	for _, e := range entries {
		b.WriteString("\t\t<item>\n")
		fmt.Fprintf(&b, "\t\t\t<title>%s</title>\n", e.title)
		if e.link != "" {
			fmt.Fprintf(&b, "\t\t\t<link>%s</link>\n", e.link)
		}
		if e.summary != "" {
			fmt.Fprintf(&b, "\t\t\t<description><![CDATA[%s]]></description>\n", e.summary)
		}
		if e.pubDate != "" {
			fmt.Fprintf(&b, "\t\t\t<pubDate>%s</pubDate>\n", e.pubDate)
		}
		b.WriteString("\t\t</item>\n")
	}
	b.WriteString("\t</channel>\n</rss>\n")
	return b.String()
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "feed.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
