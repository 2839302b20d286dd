package objects

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/mbeanwatch/transport"
)

// Returns a full list of visible object names.
type Fetcher interface {
	Fetch(ctx context.Context) ([]string, error)
}

// TransportFetcher lists the objects matching Pattern, "*:*" when empty.
type TransportFetcher struct {
	Transport transport.Transport
	Pattern   string
}

func (f *TransportFetcher) Fetch(ctx context.Context) ([]string, error) {
	pattern := f.Pattern
	if pattern == "" {
		pattern = "*:*"
	}
	return f.Transport.ListObjects(ctx, pattern)
}

type fetchCron struct {
	tickCh <-chan time.Time
	f      Fetcher
	t      *Tracker
	ticker *time.Ticker
}

func makeFetchCron(f Fetcher, interval time.Duration, t *Tracker) *fetchCron {
	ticker := time.NewTicker(interval)
	return &fetchCron{
		tickCh: ticker.C,
		f:      f,
		t:      t,
		ticker: ticker,
	}
}

func (c *fetchCron) loop(ctx context.Context) {
	defer c.ticker.Stop()
	c.fetch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.tickCh:
			c.fetch(ctx)
		}
	}
}

func (c *fetchCron) fetch(ctx context.Context) {
	names, err := c.f.Fetch(ctx)
	c.handleFetch(names, err)
}

func (c *fetchCron) handleFetch(names []string, err error) {
	if err != nil {
		// A failed listing says nothing about individual objects, keep the last view.
		log.WithFields(log.Fields{"err": err}).Warn("Failed to list remote objects")
		c.t.fetchErrs.Inc(1)
		return
	}
	c.t.SetObjects(names)
}
