package catalog

import (
	"errors"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoResultsContainer means the listing markup changed: the element that
// holds search results is missing.
var ErrNoResultsContainer = errors.New("catalog: results container not found")

// Candidate is one parsed listing entry.
type Candidate struct {
	ID     string
	Title  string
	Author string
	Link   string
}

// ResultParser turns a rendered search page into candidates.
type ResultParser interface {
	Parse(html string) ([]Candidate, error)
}

// Selectors are the CSS selectors of a search listing. Title, Author and
// Link are relative to Item; an empty Link uses the item itself.
type Selectors struct {
	Container string `yaml:"container" json:"container"`
	Item      string `yaml:"item" json:"item"`
	Title     string `yaml:"title" json:"title"`
	Author    string `yaml:"author" json:"author"`
	Link      string `yaml:"link" json:"link"`
}

// DefaultSelectors match the stock mirror listing.
var DefaultSelectors = Selectors{
	Container: "main",
	Item:      `a[href*="/md5/"]`,
	Title:     "h3",
	Author:    ".italic",
}

func (s *Selectors) defaults() {
	if s.Container == "" {
		s.Container = DefaultSelectors.Container
	}
	if s.Item == "" {
		s.Item = DefaultSelectors.Item
	}
	if s.Title == "" {
		s.Title = DefaultSelectors.Title
	}
	if s.Author == "" {
		s.Author = DefaultSelectors.Author
	}
}

var md5Pattern = regexp.MustCompile(`(?i)(?:^|[^0-9a-f])([0-9a-f]{32})(?:$|[^0-9a-f])`)

// ListingParser extracts candidates with goquery.
type ListingParser struct {
	Selectors  Selectors
	MaxResults int
}

// NewListingParser returns a parser with defaults filled in.
func NewListingParser(sel Selectors, max int) *ListingParser {
	sel.defaults()
	if max <= 0 {
		max = 5
	}
	return &ListingParser{Selectors: sel, MaxResults: max}
}

// Parse looks at the first MaxResults listing items and returns those with
// a content ID in their link, in listing order. Items without one are
// dropped but still use up a slot.
func (p *ListingParser) Parse(html string) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	container := doc.Find(p.Selectors.Container).First()
	if container.Length() == 0 {
		return nil, ErrNoResultsContainer
	}

	var out []Candidate
	container.Find(p.Selectors.Item).EachWithBreak(func(i int, item *goquery.Selection) bool {
		if i >= p.MaxResults {
			return false
		}
		link := item
		if p.Selectors.Link != "" {
			link = item.Find(p.Selectors.Link).First()
		}
		href, _ := link.Attr("href")
		id := contentID(href)
		if id == "" {
			return true
		}
		out = append(out, Candidate{
			ID:     id,
			Title:  cleanText(item.Find(p.Selectors.Title).First().Text()),
			Author: cleanText(item.Find(p.Selectors.Author).First().Text()),
			Link:   href,
		})
		return true
	})
	return out, nil
}

func contentID(href string) string {
	m := md5Pattern.FindStringSubmatch(href)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
