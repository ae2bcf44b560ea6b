package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/lysyi3m/rss-reader/app/database"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	derivedIDPrefix = "derived:"

	// Bump when the hashed field set changes; stored hashes with another
	// version byte never compare equal, so every entry is rewritten once.
	hashVersion byte = 1
)

// EntryID returns the declared id, or a stable id derived from the
// normalized title and link when the document declares none.
func EntryID(item Item) string {
	if id := strings.TrimSpace(item.ID); id != "" {
		return id
	}

	title := norm.NFC.String(item.Title)
	title = strings.Join(strings.Fields(title), " ")
	title = cases.Fold().String(title)

	sum := sha256.Sum256([]byte(title + "\n" + strings.TrimSpace(item.Link)))
	return derivedIDPrefix + hex.EncodeToString(sum[:])
}

// ContentHash fingerprints the entry-level fields of an item. Empty fields are
// left out of the hashed document.
func ContentHash(item Item) []byte {
	doc := make(map[string]any)

	put := func(key, value string) {
		if value != "" {
			doc[key] = value
		}
	}
	put("title", item.Title)
	put("link", item.Link)
	put("author", item.Author)
	put("summary", item.Summary)
	if item.Published != nil {
		doc["published"] = item.Published.UTC().Format(time.RFC3339Nano)
	}
	if len(item.Content) > 0 {
		doc["content"] = item.Content
	}
	if len(item.Enclosures) > 0 {
		doc["enclosures"] = item.Enclosures
	}

	// Map keys marshal sorted, which keeps the encoding canonical.
	data, err := json.Marshal(doc)
	if err != nil {
		// Only strings and plain structs go in.
		panic(err)
	}

	sum := sha256.Sum256(data)
	return append([]byte{hashVersion}, sum[:]...)
}

// EntryData converts a parsed item to the store representation.
func (i Item) EntryData() database.EntryData {
	return database.EntryData{
		ID:         EntryID(i),
		Title:      i.Title,
		Link:       i.Link,
		Author:     i.Author,
		Published:  i.Published,
		Updated:    i.Updated,
		Summary:    i.Summary,
		Content:    i.Content,
		Enclosures: i.Enclosures,
		Hash:       ContentHash(i),
	}
}
