package store

import "time"

// Book statuses.
const (
	StatusPending    = "pending"
	StatusDownloaded = "downloaded"
	StatusFailed     = "failed"
)

// Book is one catalog item to locate, download and deliver.
type Book struct {
	ID           string `json:"id"`
	ExternalKey  string `json:"external_key"`
	ISBN         string `json:"isbn,omitempty"`
	Title        string `json:"title"`
	Author       string `json:"author"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	FileName     string `json:"file_name,omitempty"`
	AddedAt      int64  `json:"added_at"`
	UpdatedAt    int64  `json:"updated_at"`
	DownloadedAt *int64 `json:"downloaded_at,omitempty"`
}

// BookInput is what ingestion knows about a book. Empty fields mean
// "unknown" and never overwrite a value already stored.
type BookInput struct {
	ExternalKey string
	ISBN        string
	Title       string
	Author      string
}

// Destination is a delivery target with its own daily quota.
type Destination struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	FeedKey       string `json:"feed_key"`
	DeliveryPath  string `json:"delivery_path"`
	NotifyAddress string `json:"notify_address,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// PendingNotice groups the books served to one destination that have not
// been announced yet.
type PendingNotice struct {
	Destination Destination
	Books       []*Book
}

// Stats summarises the queue for status reporting.
type Stats struct {
	Pending         int `json:"pending"`
	Downloaded      int `json:"downloaded"`
	Failed          int `json:"failed"`
	DownloadedToday int `json:"downloaded_today"`
}

// DayBounds returns the [start, end) of t's calendar day in t's location,
// as Unix milliseconds.
func DayBounds(t time.Time) (int64, int64) {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return start.UnixMilli(), start.AddDate(0, 0, 1).UnixMilli()
}
