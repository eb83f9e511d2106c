// Package catalog exposes the school-operations domain over the entity
// caches: typed read accessors per entity family and the mutation owners
// that drive the invalidation coordinator after a successful remote call.
package catalog

import "time"

// School is one school visible to the administrator.
type School struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	City string `json:"city,omitempty"`
}

// Class is one class within a school's roster.
type Class struct {
	ID       string `json:"id"`
	SchoolID string `json:"schoolId"`
	Name     string `json:"name"`
	Students int    `json:"students"`
}

// Book is the list-level view of a workbook.
type Book struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Published  bool      `json:"published"`
	TopicCount int       `json:"topicCount"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// BookDetail is the full view of one workbook including its topic summaries.
type BookDetail struct {
	Book
	Description string         `json:"description,omitempty"`
	Topics      []TopicSummary `json:"topics"`
}

// TopicSummary is the per-book listing entry for a topic.
type TopicSummary struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Position int    `json:"position"`
}

// Topic is the full view of one topic within a book.
type Topic struct {
	ID       string `json:"id"`
	BookID   string `json:"bookId"`
	Title    string `json:"title"`
	Position int    `json:"position"`
	Content  string `json:"content,omitempty"`
}

// Dashboard aggregates the counters shown on the admin landing page.
type Dashboard struct {
	Schools        int       `json:"schools"`
	Classes        int       `json:"classes"`
	Books          int       `json:"books"`
	PublishedBooks int       `json:"publishedBooks"`
	GeneratedAt    time.Time `json:"generatedAt"`
}

// BookDraft carries the writable fields of a book for create and update.
type BookDraft struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// TopicDraft carries the writable fields of a topic for create and update.
type TopicDraft struct {
	Title    string `json:"title"`
	Position int    `json:"position"`
	Content  string `json:"content,omitempty"`
}
