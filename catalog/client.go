// Package catalog queries STAC catalogs for the items a theme layer
// describes.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/charmbracelet/log"

	"github.com/gkatanacio/geolayers/download"
)

var (
	ErrInvalidFilter   = errors.New("invalid filter")
	ErrInvalidTemplate = errors.New("invalid query template")
	ErrInvalidResponse = errors.New("invalid catalog response")
)

const (
	defaultMaxPages = 10
	// maxResponseSize caps a single catalog page.
	maxResponseSize = 64 << 20
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// MaxPages bounds how many rel=next links a search follows. Zero means
	// the default of 10.
	MaxPages int
}

// Client runs catalog queries over a shared session.
type Client struct {
	session  *download.Session
	maxPages int
	logger   *log.Logger
}

func NewClient(session *download.Session, opts ClientOptions, logger *log.Logger) *Client {
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		session:  session,
		maxPages: opts.MaxPages,
		logger:   logger,
	}
}

// Search fetches uri and returns the items it holds. The response may be a
// single item or an item collection; collection pages are followed through
// their rel=next links.
func (c *Client) Search(ctx context.Context, uri string) ([]Item, error) {
	var items []Item
	seen := map[string]bool{}

	for pages := 0; uri != ""; pages++ {
		if pages == c.maxPages {
			c.logger.Warn("page limit reached, results truncated", "url", uri, "pages", pages)
			break
		}
		if seen[uri] {
			c.logger.Warn("pagination loops, stopping", "url", uri)
			break
		}
		seen[uri] = true

		body, err := c.get(ctx, uri)
		if err != nil {
			return nil, err
		}

		found, next, err := decodePage(body)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", uri, err)
		}
		items = append(items, found...)

		uri, err = c.resolveNext(uri, next)
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (c *Client) get(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	resp, err := c.session.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &download.TransferError{URL: uri, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
}

func (c *Client) resolveNext(current string, next *Link) (string, error) {
	if next == nil {
		return "", nil
	}
	if next.Method != "" && next.Method != http.MethodGet {
		c.logger.Warn("cannot follow non-GET pagination link, results truncated", "url", current, "method", next.Method)
		return "", nil
	}

	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(next.Href)
	if err != nil {
		return "", fmt.Errorf("%w: next link: %v", ErrInvalidResponse, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// decodePage reads one response body and returns its items and next link.
func decodePage(body []byte) ([]Item, *Link, error) {
	var p page
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	switch p.Type {
	case typeFeature:
		var it Item
		if err := json.Unmarshal(body, &it); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		if err := validate(it); err != nil {
			return nil, nil, err
		}
		return []Item{it}, nil, nil

	case typeFeatureCollection:
		var items []Item
		if len(p.Features) > 0 {
			if err := json.Unmarshal(p.Features, &items); err != nil {
				return nil, nil, fmt.Errorf("%w: features: %v", ErrInvalidResponse, err)
			}
		}
		for _, it := range items {
			if err := validate(it); err != nil {
				return nil, nil, err
			}
		}
		return items, p.next(), nil

	default:
		return nil, nil, fmt.Errorf("%w: unexpected type %q", ErrInvalidResponse, p.Type)
	}
}

func validate(it Item) error {
	if it.ID == "" {
		return fmt.Errorf("%w: item without id", ErrInvalidResponse)
	}
	for k, a := range it.Assets {
		if a.Href == "" {
			return fmt.Errorf("%w: item %s asset %s has no href", ErrInvalidResponse, it.ID, k)
		}
	}
	return nil
}
