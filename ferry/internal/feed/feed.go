// Package feed reads shelf feeds and turns their entries into queued books.
//
// Shelf feeds are RSS 2.0 with per-item book fields (book_id, title,
// author_name, isbn). Plain Atom feeds are accepted too; their entries
// carry no ISBN and are keyed by entry id.
package feed

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// Entry is one book listed in a feed.
type Entry struct {
	BookID string `json:"book_id"`
	GUID   string `json:"guid"`
	Title  string `json:"title"`
	Author string `json:"author"`
	ISBN   string `json:"isbn"`
	Link   string `json:"link"`
}

// Key is the dedup key of the entry: the catalog book id when present.
func (e Entry) Key() string {
	if e.BookID != "" {
		return e.BookID
	}
	return e.GUID
}

// Parse auto-detects RSS or Atom from the root element.
func Parse(data []byte) ([]Entry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("feed: empty data")
	}
	switch detectFormat(trimmed) {
	case "rss":
		return parseRSS(trimmed)
	case "atom":
		return parseAtom(trimmed)
	default:
		return nil, fmt.Errorf("feed: unknown format (expected <rss> or <feed>)")
	}
}

func detectFormat(data []byte) string {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			switch strings.ToLower(se.Name.Local) {
			case "rss":
				return "rss"
			case "feed":
				return "atom"
			}
			return ""
		}
	}
}

type rssRoot struct {
	XMLName xml.Name `xml:"rss"`
	Items   []struct {
		GUID       string `xml:"guid"`
		Title      string `xml:"title"`
		Link       string `xml:"link"`
		BookID     string `xml:"book_id"`
		AuthorName string `xml:"author_name"`
		Author     string `xml:"author"`
		Creator    string `xml:"creator"` // dc:creator
		ISBN       string `xml:"isbn"`
	} `xml:"channel>item"`
}

func parseRSS(data []byte) ([]Entry, error) {
	var root rssRoot
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("feed: parse rss: %w", err)
	}
	out := make([]Entry, 0, len(root.Items))
	for _, it := range root.Items {
		author := firstNonEmpty(it.AuthorName, it.Creator, it.Author)
		guid := firstNonEmpty(it.GUID, it.Link)
		e := Entry{
			BookID: strings.TrimSpace(it.BookID),
			GUID:   guid,
			Title:  strings.TrimSpace(it.Title),
			Author: author,
			ISBN:   strings.TrimSpace(it.ISBN),
			Link:   strings.TrimSpace(it.Link),
		}
		if e.Key() == "" {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type atomRoot struct {
	XMLName xml.Name `xml:"feed"`
	Entries []struct {
		ID      string `xml:"id"`
		Title   string `xml:"title"`
		Authors []struct {
			Name string `xml:"name"`
		} `xml:"author"`
		Links []struct {
			Href string `xml:"href,attr"`
			Rel  string `xml:"rel,attr"`
		} `xml:"link"`
	} `xml:"entry"`
}

func parseAtom(data []byte) ([]Entry, error) {
	var root atomRoot
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("feed: parse atom: %w", err)
	}
	out := make([]Entry, 0, len(root.Entries))
	for _, en := range root.Entries {
		var link string
		for _, l := range en.Links {
			if l.Rel == "" || l.Rel == "alternate" {
				link = strings.TrimSpace(l.Href)
				break
			}
		}
		var author string
		if len(en.Authors) > 0 {
			author = strings.TrimSpace(en.Authors[0].Name)
		}
		e := Entry{
			GUID:   firstNonEmpty(en.ID, link),
			Title:  strings.TrimSpace(en.Title),
			Author: author,
			Link:   link,
		}
		if e.Key() == "" {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
