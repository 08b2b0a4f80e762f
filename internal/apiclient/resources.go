package apiclient

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"turnover/internal/cache"
	"turnover/internal/models"
	"turnover/internal/normalize"
)

const (
	listingsPath = "/listings"
	bookingsPath = "/bookings"
	tasksPath    = "/tasks"

	listingsCacheKey = "external:listings"
	maxPages         = 1000
)

// BookingPage is the outcome of fetching one listing's bookings.
type BookingPage struct {
	Bookings []*models.Booking
	// Skipped counts records that could not be normalized.
	Skipped int
}

// UseCache enables caching of the listing catalogue.
func (c *Client) UseCache(cc cache.Cache, ttl time.Duration) {
	c.cache = cc
	c.cacheTTL = ttl
}

// paginate walks a limit/skip collection until a short page is returned.
func (c *Client) paginate(ctx context.Context, path string, params url.Values, each func(raw []byte) error) error {
	if params == nil {
		params = url.Values{}
	}
	skip := 0
	for page := 0; page < maxPages; page++ {
		params.Set("limit", strconv.Itoa(c.pageSize))
		params.Set("skip", strconv.Itoa(skip))

		body, err := c.Get(ctx, path, params)
		if err != nil {
			return err
		}
		items, err := normalize.SplitList(body)
		if err != nil {
			return fmt.Errorf("decode %s page %d: %w", path, page, err)
		}
		for _, item := range items {
			if err := each(item); err != nil {
				return err
			}
		}
		if len(items) < c.pageSize {
			return nil
		}
		skip += len(items)
	}
	return fmt.Errorf("%s: more than %d pages", path, maxPages)
}

// ListListings returns every listing known to the reservation system.
func (c *Client) ListListings(ctx context.Context) ([]models.Listing, error) {
	if c.cache != nil {
		if cached, ok, err := cache.GetJSON[[]models.Listing](ctx, c.cache, listingsCacheKey); err == nil && ok {
			return cached, nil
		}
	}

	var listings []models.Listing
	err := c.paginate(ctx, listingsPath, nil, func(raw []byte) error {
		l, err := normalize.NormalizeListing(raw)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Skipping malformed listing")
			return nil
		}
		listings = append(listings, *l)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.cache != nil && len(listings) > 0 {
		if err := cache.SetJSON(ctx, c.cache, listingsCacheKey, listings, c.cacheTTL); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache listings")
		}
	}
	return listings, nil
}

// InvalidateListings drops the cached listing catalogue.
func (c *Client) InvalidateListings(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Delete(ctx, listingsCacheKey)
}

// ListBookings fetches a listing's bookings, optionally only those changed
// since the given instant.
func (c *Client) ListBookings(ctx context.Context, listingID string, since *time.Time) (BookingPage, error) {
	params := url.Values{}
	params.Set("listingId", listingID)
	if since != nil {
		params.Set("updatedSince", since.UTC().Format(time.RFC3339))
	}

	var page BookingPage
	err := c.paginate(ctx, bookingsPath, params, func(raw []byte) error {
		b, err := normalize.NormalizeBooking(raw)
		if err != nil {
			page.Skipped++
			c.logger.Warn().Err(err).Str("listing_id", listingID).Msg("Skipping malformed booking")
			return nil
		}
		page.Bookings = append(page.Bookings, b)
		return nil
	})
	if err != nil {
		return BookingPage{}, err
	}
	return page, nil
}

// TaskPayload is the body pushed to the external task resource.
type TaskPayload struct {
	ID          string `json:"externalTaskId"`
	ListingID   string `json:"listingId"`
	BookingID   string `json:"reservationId,omitempty"`
	Date        string `json:"date"`
	ServiceType string `json:"serviceType"`
	Status      string `json:"status"`
}

func NewTaskPayload(t models.CleaningTask) TaskPayload {
	p := TaskPayload{
		ID:          t.ID,
		ListingID:   t.ListingID,
		Date:        t.ScheduledDate.Format(models.DateLayout),
		ServiceType: string(t.ServiceType),
		Status:      t.Status,
	}
	if t.BookingID != nil {
		p.BookingID = *t.BookingID
	}
	return p
}

// PushTask creates the task in the reservation system.
func (c *Client) PushTask(ctx context.Context, p TaskPayload) error {
	_, err := c.Post(ctx, tasksPath, p)
	return err
}
