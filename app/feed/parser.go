package feed

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	"github.com/mmcdole/gofeed/rss"
)

// Document is a parsed feed. It is one of RSSDocument, AtomDocument or
// Unrecognized.
type Document interface {
	document()
}

type RSSDocument struct {
	Feed *rss.Feed
}

type AtomDocument struct {
	Feed *atom.Feed
}

// Unrecognized is any input that is neither RSS nor Atom.
type Unrecognized struct{}

func (RSSDocument) document()  {}
func (AtomDocument) document() {}
func (Unrecognized) document() {}

type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Parse detects the dialect from the document itself. Input that is not a
// feed yields Unrecognized without an error; a feed that fails to parse
// returns an error.
func (p *Parser) Parse(data []byte) (Document, error) {
	switch gofeed.DetectFeedType(bytes.NewReader(data)) {
	case gofeed.FeedTypeRSS:
		feed, err := (&rss.Parser{}).Parse(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSS feed: %w", err)
		}
		return RSSDocument{Feed: feed}, nil

	case gofeed.FeedTypeAtom:
		feed, err := (&atom.Parser{}).Parse(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse Atom feed: %w", err)
		}
		return AtomDocument{Feed: feed}, nil

	default:
		return Unrecognized{}, nil
	}
}

func (p *Parser) Run(data []byte) ([]RawEntry, error) {
	doc, err := p.Parse(data)
	if err != nil {
		return nil, err
	}
	return Entries(doc), nil
}

// Entries flattens a document into entries in document order.
func Entries(doc Document) []RawEntry {
	switch d := doc.(type) {
	case RSSDocument:
		return rssEntries(d.Feed)
	case AtomDocument:
		return atomEntries(d.Feed)
	default:
		return []RawEntry{}
	}
}

func rssEntries(feed *rss.Feed) []RawEntry {
	if feed == nil {
		return []RawEntry{}
	}

	entries := make([]RawEntry, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}

		entry := RawEntry{
			Title:           strings.TrimSpace(item.Title),
			URL:             strings.TrimSpace(item.Link),
			Summary:         item.Description,
			PublishedAt:     strings.TrimSpace(item.PubDate),
			PublishedParsed: item.PubDateParsed,
		}

		if entry.URL == "" && item.GUID != nil {
			entry.URL = strings.TrimSpace(item.GUID.Value)
		}

		if entry.Summary == "" {
			entry.Summary = item.Custom["summary"]
		}

		if entry.PublishedAt == "" && item.DublinCoreExt != nil && len(item.DublinCoreExt.Date) > 0 {
			entry.PublishedAt = strings.TrimSpace(item.DublinCoreExt.Date[0])
			entry.PublishedParsed = ParseTime(entry.PublishedAt)
		}

		entries = append(entries, entry)
	}

	return entries
}

func atomEntries(feed *atom.Feed) []RawEntry {
	if feed == nil {
		return []RawEntry{}
	}

	entries := make([]RawEntry, 0, len(feed.Entries))
	for _, item := range feed.Entries {
		if item == nil {
			continue
		}

		entry := RawEntry{
			Title:           strings.TrimSpace(item.Title),
			Summary:         item.Summary,
			PublishedAt:     strings.TrimSpace(item.Updated),
			PublishedParsed: item.UpdatedParsed,
		}

		for _, link := range item.Links {
			if link != nil && link.Href != "" {
				entry.URL = strings.TrimSpace(link.Href)
				break
			}
		}

		if entry.Summary == "" && item.Content != nil {
			entry.Summary = item.Content.Value
		}

		if entry.PublishedAt == "" {
			entry.PublishedAt = strings.TrimSpace(item.Published)
			entry.PublishedParsed = item.PublishedParsed
		}

		entries = append(entries, entry)
	}

	return entries
}

// Truncate keeps the first max entries. A non-positive max uses DefaultMaxItems.
func Truncate(entries []RawEntry, max int) []RawEntry {
	if max <= 0 {
		max = DefaultMaxItems
	}
	if len(entries) > max {
		return entries[:max]
	}
	return entries
}
