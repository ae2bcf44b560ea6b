package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/rss-reader/app/apperr"
	"github.com/lysyi3m/rss-reader/app/database"
	"github.com/lysyi3m/rss-reader/app/feed"
	"github.com/lysyi3m/rss-reader/app/metrics"
	"github.com/lysyi3m/rss-reader/app/plugins"
)

type State string

const (
	StatePending     State = "PENDING"
	StateRetrieving  State = "RETRIEVING"
	StateNotModified State = "NOT_MODIFIED"
	StateParsing     State = "PARSING"
	StateDiffing     State = "DIFFING"
	StatePersisting  State = "PERSISTING"
	StateDone        State = "DONE"
	StateError       State = "ERROR"
	// StateSkipped means another worker held the feed's update claim.
	StateSkipped State = "SKIPPED"
)

// TimeoutMetadataKey is the feed metadata key holding a per-feed retrieval
// timeout in seconds.
const TimeoutMetadataKey = "timeout"

// Outcome is the result of one feed update.
type Outcome struct {
	URL         string                 `json:"url"`
	State       State                  `json:"state"`
	NotModified bool                   `json:"not_modified,omitempty"`
	Kind        apperr.Kind            `json:"kind,omitempty"`
	Message     string                 `json:"message,omitempty"`
	At          time.Time              `json:"at"`
	Result      *database.UpdateResult `json:"-"`
	New         int                    `json:"new"`
	Updated     int                    `json:"updated"`
}

func (o Outcome) Failed() bool {
	return o.State == StateError
}

// Updater holds what every feed update needs.
type Updater struct {
	store     *database.Store
	retriever feed.Retriever
	parser    feed.Parser
	plugins   *plugins.Registry
	timeout   time.Duration
}

func NewUpdater(store *database.Store, retriever feed.Retriever, parser feed.Parser, registry *plugins.Registry, timeout time.Duration) *Updater {
	return &Updater{
		store:     store,
		retriever: retriever,
		parser:    parser,
		plugins:   registry,
		timeout:   timeout,
	}
}

// UpdateFeedTask runs one feed through retrieval, parsing, diffing and
// persisting. Only retrieval can be interrupted, by its timeout; once the
// task has started it always ends in DONE, ERROR or SKIPPED.
type UpdateFeedTask struct {
	Task
	updater *Updater
	state   State
	outcome Outcome
}

func NewUpdateFeedTask(feedURL string, updater *Updater) *UpdateFeedTask {
	return &UpdateFeedTask{
		Task:    NewTask(TaskTypeUpdateFeed, feedURL),
		updater: updater,
		state:   StatePending,
	}
}

func (t *UpdateFeedTask) State() State {
	return t.state
}

func (t *UpdateFeedTask) Outcome() Outcome {
	return t.outcome
}

// Execute runs the update and returns an error when it ends in ERROR. The
// outcome is available from Outcome either way.
func (t *UpdateFeedTask) Execute(ctx context.Context) error {
	if t.StartedAt == nil {
		t.Start()
	}
	ctx = context.WithoutCancel(ctx)

	t.outcome = t.run(ctx)

	kind := string(t.outcome.Kind)
	metrics.RecordFeedUpdate(string(t.outcome.State), kind, t.GetDuration().Seconds())

	switch t.outcome.State {
	case StateError:
		slog.Warn("Task failed",
			"type", "UpdateFeed",
			"feed", t.FeedURL,
			"duration", t.GetDuration(),
			"kind", kind,
			"error", t.outcome.Message)
		return apperr.New(t.outcome.Kind, t.FeedURL, t.outcome.Message, nil)
	case StateSkipped:
		slog.Debug("Feed update already in progress, skipping", "feed", t.FeedURL)
	default:
		slog.Info("Task completed",
			"type", "UpdateFeed",
			"feed", t.FeedURL,
			"duration", t.GetDuration(),
			"not_modified", t.outcome.NotModified,
			"new", t.outcome.New,
			"updated", t.outcome.Updated)
	}

	return nil
}

func (t *UpdateFeedTask) transition(next State) {
	slog.Debug("Feed update state changed", "feed", t.FeedURL, "from", t.state, "to", next)
	t.state = next
}

func (t *UpdateFeedTask) run(ctx context.Context) Outcome {
	u := t.updater

	claimed, err := u.store.ClaimFeedForUpdate(ctx, t.FeedURL)
	if err != nil {
		return t.fail(ctx, err, apperr.KindStorage, false)
	}
	if !claimed {
		t.transition(StateSkipped)
		return Outcome{URL: t.FeedURL, State: StateSkipped, At: u.store.Now()}
	}
	defer func() {
		if err := u.store.ReleaseFeed(ctx, t.FeedURL); err != nil {
			slog.Error("Failed to release feed", "feed", t.FeedURL, "error", err)
		}
	}()

	stored, err := u.store.GetFeed(ctx, t.FeedURL)
	if err != nil {
		return t.fail(ctx, err, apperr.KindStorage, true)
	}

	t.transition(StateRetrieving)
	retrieved, err := t.retrieve(ctx, stored)
	if err != nil {
		return t.fail(ctx, err, apperr.KindRetrieval, true)
	}

	if retrieved.NotModified {
		t.transition(StateNotModified)
		now := u.store.Now()
		if err := u.store.MarkFeedNotModified(ctx, t.FeedURL, now); err != nil {
			return t.fail(ctx, err, apperr.KindStorage, true)
		}
		t.transition(StateDone)
		return Outcome{URL: t.FeedURL, State: StateDone, NotModified: true, At: now}
	}

	t.transition(StateParsing)
	doc := retrieved.Document
	if doc == nil {
		doc, err = u.parser.Parse(t.FeedURL, retrieved.Body)
		if err != nil {
			return t.fail(ctx, err, apperr.KindParse, true)
		}
	}

	t.transition(StateDiffing)
	diffs, err := t.diff(ctx, doc)
	if err != nil {
		return t.fail(ctx, err, apperr.KindStorage, true)
	}

	t.transition(StatePersisting)
	now := u.store.Now()
	result, err := u.store.ApplyUpdate(ctx, database.FeedUpdate{
		URL:          t.FeedURL,
		Title:        doc.Title,
		Link:         doc.Link,
		Author:       doc.Author,
		Updated:      doc.Updated,
		ETag:         retrieved.Validators.ETag,
		LastModified: retrieved.Validators.LastModified,
		CacheToken:   retrieved.Validators.CacheToken,
		RetrievedAt:  now,
	}, diffs)
	if err != nil {
		return t.fail(ctx, err, apperr.KindStorage, true)
	}

	t.transition(StateDone)
	metrics.RecordEntriesWritten(result.New, result.Updated)

	if result.New+result.Updated > 0 {
		if err := u.plugins.Notify(ctx, t.FeedURL, result); err != nil {
			slog.Error("Plugins failed after update", "feed", t.FeedURL, "error", err)
		}
	}

	return Outcome{
		URL:     t.FeedURL,
		State:   StateDone,
		At:      now,
		Result:  &result,
		New:     result.New,
		Updated: result.Updated,
	}
}

func (t *UpdateFeedTask) retrieve(ctx context.Context, stored *database.Feed) (*feed.Retrieved, error) {
	u := t.updater

	// A stale feed was moved to a new URL; its validators belong to the old one.
	var validators feed.Validators
	if !stored.Stale {
		validators = feed.Validators{
			ETag:         stored.ETag,
			LastModified: stored.LastModified,
			CacheToken:   stored.CacheToken,
		}
	}

	timeout := u.timeout
	var seconds int
	ok, err := u.store.GetFeedMetadataItem(ctx, t.FeedURL, TimeoutMetadataKey, &seconds)
	if err != nil {
		slog.Warn("Failed to read feed timeout, using default", "feed", t.FeedURL, "error", err)
	} else if ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	retrieveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	retrieved, err := u.retriever.Retrieve(retrieveCtx, t.FeedURL, validators)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(retrieveCtx.Err(), context.DeadlineExceeded) {
			return nil, apperr.New(apperr.KindTimeout, t.FeedURL, fmt.Sprintf("retrieval exceeded %s", timeout), err)
		}
		return nil, err
	}
	if retrieved == nil {
		return nil, apperr.New(apperr.KindRetrieval, t.FeedURL, "retriever returned no result", nil)
	}

	return retrieved, nil
}

// diff classifies the document's items against what is stored. Unchanged
// items are dropped. New items are returned in reverse document order so
// the first item of the document gets the highest sequence number.
func (t *UpdateFeedTask) diff(ctx context.Context, doc *feed.Document) ([]database.EntryDiff, error) {
	hashes, err := t.updater.store.GetEntryHashes(ctx, t.FeedURL)
	if err != nil {
		return nil, err
	}

	var created, changed []database.EntryDiff
	seen := make(map[string]bool, len(doc.Items))
	unchanged := 0

	for _, item := range doc.Items {
		data := item.EntryData()
		if seen[data.ID] {
			slog.Debug("Duplicate entry id in document, keeping first", "feed", t.FeedURL, "id", data.ID)
			continue
		}
		seen[data.ID] = true

		stored, exists := hashes[data.ID]
		switch {
		case !exists:
			created = append(created, database.EntryDiff{Entry: data, New: true})
		case bytes.Equal(stored, data.Hash):
			unchanged++
		default:
			changed = append(changed, database.EntryDiff{Entry: data})
		}
	}

	slog.Debug("Feed diffed",
		"feed", t.FeedURL,
		"items", len(doc.Items),
		"new", len(created),
		"updated", len(changed),
		"unchanged", unchanged)

	diffs := make([]database.EntryDiff, 0, len(created)+len(changed))
	for i := len(created) - 1; i >= 0; i-- {
		diffs = append(diffs, created[i])
	}
	return append(diffs, changed...), nil
}

// fail ends the update in ERROR. Errors without a kind get fallback. When
// record is set the error is stored on the feed.
func (t *UpdateFeedTask) fail(ctx context.Context, err error, fallback apperr.Kind, record bool) Outcome {
	kind, ok := apperr.KindOf(err)
	if !ok {
		kind = fallback
	}

	t.transition(StateError)
	outcome := Outcome{
		URL:     t.FeedURL,
		State:   StateError,
		Kind:    kind,
		Message: err.Error(),
		At:      t.updater.store.Now(),
	}

	if record {
		feedErr := database.FeedError{Kind: string(kind), Message: outcome.Message, At: outcome.At}
		if recErr := t.updater.store.RecordFeedError(ctx, t.FeedURL, feedErr); recErr != nil {
			slog.Error("Failed to record feed error", "feed", t.FeedURL, "error", recErr)
		}
	}

	return outcome
}
