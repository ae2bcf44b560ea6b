package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindFeedNotFound       Kind = "FeedNotFoundError"
	KindFeedExists         Kind = "FeedExistsError"
	KindEntryNotFound      Kind = "EntryNotFoundError"
	KindEntryExists        Kind = "EntryExistsError"
	KindParse              Kind = "ParseError"
	KindRetrieval          Kind = "RetrievalError"
	KindTimeout            Kind = "TimeoutError"
	KindStorage            Kind = "StorageError"
	KindSearchNotEnabled   Kind = "SearchNotEnabledError"
	KindInvalidSearchQuery Kind = "InvalidSearchQueryError"
	KindPermission         Kind = "PermissionError"
)

// Sentinel errors, one per kind. Every *Error matches the sentinel of its
// kind with errors.Is.
var (
	ErrFeedNotFound       = errors.New("no such feed")
	ErrFeedExists         = errors.New("feed exists")
	ErrEntryNotFound      = errors.New("no such entry")
	ErrEntryExists        = errors.New("entry exists")
	ErrParse              = errors.New("feed document could not be parsed")
	ErrRetrieval          = errors.New("feed could not be retrieved")
	ErrTimeout            = errors.New("feed retrieval timed out")
	ErrStorage            = errors.New("storage error")
	ErrSearchNotEnabled   = errors.New("search not enabled")
	ErrInvalidSearchQuery = errors.New("invalid search query")
	ErrPermission         = errors.New("operation not permitted")
)

var sentinels = map[Kind]error{
	KindFeedNotFound:       ErrFeedNotFound,
	KindFeedExists:         ErrFeedExists,
	KindEntryNotFound:      ErrEntryNotFound,
	KindEntryExists:        ErrEntryExists,
	KindParse:              ErrParse,
	KindRetrieval:          ErrRetrieval,
	KindTimeout:            ErrTimeout,
	KindStorage:            ErrStorage,
	KindSearchNotEnabled:   ErrSearchNotEnabled,
	KindInvalidSearchQuery: ErrInvalidSearchQuery,
	KindPermission:         ErrPermission,
}

// Error carries the kind of failure together with the feed URL and entry id
// it concerns, when there is one.
type Error struct {
	Kind    Kind
	URL     string
	EntryID string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		if s, ok := sentinels[e.Kind]; ok {
			msg = s.Error()
		} else {
			msg = string(e.Kind)
		}
	}

	switch {
	case e.URL != "" && e.EntryID != "":
		msg = fmt.Sprintf("%s: %q, %q", msg, e.URL, e.EntryID)
	case e.URL != "":
		msg = fmt.Sprintf("%s: %q", msg, e.URL)
	}

	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// HTTPStatus maps the error kind to the status code used by the API.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindFeedNotFound, KindEntryNotFound:
		return http.StatusNotFound
	case KindFeedExists, KindEntryExists:
		return http.StatusConflict
	case KindInvalidSearchQuery:
		return http.StatusBadRequest
	case KindPermission:
		return http.StatusForbidden
	case KindSearchNotEnabled:
		return http.StatusConflict
	case KindRetrieval, KindParse:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func FeedNotFound(url string) *Error {
	return &Error{Kind: KindFeedNotFound, URL: url}
}

func FeedExists(url string) *Error {
	return &Error{Kind: KindFeedExists, URL: url}
}

func EntryNotFound(url, id string) *Error {
	return &Error{Kind: KindEntryNotFound, URL: url, EntryID: id}
}

func EntryExists(url, id string) *Error {
	return &Error{Kind: KindEntryExists, URL: url, EntryID: id}
}

func Permission(url, id, message string) *Error {
	return &Error{Kind: KindPermission, URL: url, EntryID: id, Message: message}
}

// Storage wraps an underlying driver error. Errors that already carry a
// kind are returned unchanged.
func Storage(message string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindStorage, Message: message, Err: err}
}

func New(kind Kind, url, message string, err error) *Error {
	return &Error{Kind: kind, URL: url, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, and false if
// there is none.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func IsFeedNotFound(err error) bool {
	return errors.Is(err, ErrFeedNotFound)
}

func IsEntryNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound)
}

func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}
