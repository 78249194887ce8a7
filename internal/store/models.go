package store

import "time"

// Item kinds served by the ordered collection.
const (
	KindCard     = "card"
	KindPipeline = "pipeline"
	KindSticky   = "sticky"
)

// Payload holds caller-owned item fields. The store never interprets it.
type Payload map[string]any

// Scope identifies one ordered collection: a kind of item within a partition
// such as a board name.
type Scope struct {
	Kind      string
	Partition string
}

type Item struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Partition string    `json:"partition"`
	Lane      string    `json:"lane"`
	OrderKey  float64   `json:"orderKey"`
	Payload   Payload   `json:"payload"`
	Seq       int64     `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (i Item) Scope() Scope {
	return Scope{Kind: i.Kind, Partition: i.Partition}
}

// Tag is a campaign label applicable to items of any collection.
type Tag struct {
	ID        string
	Name      string
	Color     string
	Archived  bool
	CreatedAt time.Time
}

// TagPatch is a partial tag update; nil fields keep their stored value.
type TagPatch struct {
	Name     *string
	Color    *string
	Archived *bool
}

// TagLink associates one item identifier with one tag.
type TagLink struct {
	ID        string
	ItemID    string
	TagID     string
	CreatedAt time.Time
}

type Doc struct {
	ID        string    `json:"id"`
	Partition string    `json:"partition"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type DocPatch struct {
	Title *string
	Body  *string
}
