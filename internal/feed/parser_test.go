package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_Parse(t *testing.T) {
	parser := NewParser()

	tests := []struct {
		name          string
		feedContent   string
		expectError   bool
		expectedCount int
		validateFunc  func(t *testing.T, entries []RawEntry)
	}{
		{
			name: "valid RSS feed",
			feedContent: rssDoc(
				testEntry{title: "First", link: "https://vendor.example.org/a1", summary: "<p>one</p>", pubDate: "Wed, 01 Jan 2025 12:00:00 GMT"},
				testEntry{title: "Second", link: "https://vendor.example.org/a2"},
			),
			expectedCount: 2,
			validateFunc: func(t *testing.T, entries []RawEntry) {
				assert.Equal(t, "First", entries[0].Title)
				assert.Equal(t, "https://vendor.example.org/a1", entries[0].Link)
				assert.Equal(t, "<p>one</p>", entries[0].Summary)
				require.NotNil(t, entries[0].Published)
				assert.True(t, entries[0].Published.Equal(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)))
				assert.Nil(t, entries[1].Published)
			},
		},
		{
			name: "valid Atom feed",
			feedContent: `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
	<title>Atom Advisories</title>
	<entry>
		<title>Atom Entry</title>
		<link href="https://vendor.example.org/atom1"/>
		<id>urn:uuid:1</id>
		<updated>2025-01-03T12:00:00Z</updated>
		<content type="html">&lt;b&gt;patched&lt;/b&gt;</content>
	</entry>
</feed>`,
			expectedCount: 1,
			validateFunc: func(t *testing.T, entries []RawEntry) {
				assert.Equal(t, "Atom Entry", entries[0].Title)
				assert.Equal(t, "urn:uuid:1", entries[0].GUID)
				assert.Equal(t, "vendor", entries[0].FeedID)
				assert.Equal(t, "https://vendor.example.org/atom1", entries[0].Link)
				assert.Contains(t, entries[0].Summary, "patched")
				require.NotNil(t, entries[0].Published, "updated date is used when published is missing")
			},
		},
		{
			name:          "empty channel",
			feedContent:   rssDoc(),
			expectedCount: 0,
		},
		{
			name:        "not a feed",
			feedContent: "<html><body>nope</body></html>",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := parser.Parse("vendor", []byte(tt.feedContent))
			if tt.expectError {
				assert.ErrorIs(t, err, ErrTransientFetch)
				return
			}
			require.NoError(t, err)
			require.Len(t, entries, tt.expectedCount)
			if tt.validateFunc != nil {
				tt.validateFunc(t, entries)
			}
		})
	}
}

func TestNewest(t *testing.T) {
	at := func(day int) *time.Time {
		ts := time.Date(2025, 1, day, 0, 0, 0, 0, time.UTC)
		return &ts
	}
	entries := []RawEntry{
		{Title: "old", Published: at(1)},
		{Title: "undated"},
		{Title: "newest", Published: at(9)},
		{Title: "middle", Published: at(5)},
	}

	got := Newest(entries, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "newest", got[0].Title)
	assert.Equal(t, "middle", got[1].Title)
	assert.Equal(t, "old", entries[0].Title, "input is not reordered")

	assert.Len(t, Newest(entries, 10), 4)
	assert.Len(t, Newest(entries, 0), 4)
}
