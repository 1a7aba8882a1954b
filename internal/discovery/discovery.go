package discovery

import (
	"context"
	"log"
	"sort"

	"github.com/you/streamscout/internal/core"
)

// Lister pages through one platform's live-broadcast listing. An empty page
// marks the end of pagination. Errors after the retry envelope are treated as
// end-of-pagination too: partial results are better than no tick.
type Lister interface {
	ListLive(ctx context.Context, page, pageSize int) ([]core.BroadcastListing, error)
}

type Options struct {
	MaxResults int
	PageSize   int
}

// Discoverer produces the deduplicated, viewer-ranked top-N listing for one
// platform on each tick.
type Discoverer struct {
	platform core.Platform
	lister   Lister
	opts     Options
}

func New(platform core.Platform, lister Lister, opts Options) *Discoverer {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 500
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	return &Discoverer{platform: platform, lister: lister, opts: opts}
}

func (d *Discoverer) Platform() core.Platform { return d.platform }

// Discover paginates the platform's live listing, dedupes by channel (first
// occurrence wins), ranks by viewer count descending, and truncates to cap.
// liveIDs carries every discovered broadcast id before truncation; the
// session tracker uses it for end-of-broadcast detection so channels that
// merely fell out of the top-N are not declared ended.
func (d *Discoverer) Discover(ctx context.Context, cap int) (top []core.BroadcastListing, liveIDs map[string]struct{}, err error) {
	var (
		all  []core.BroadcastListing
		seen = make(map[string]struct{})
	)
	liveIDs = make(map[string]struct{})

	for page := 0; len(all) < d.opts.MaxResults; page++ {
		listings, err := d.lister.ListLive(ctx, page, d.opts.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			if page == 0 && len(all) == 0 {
				return nil, nil, err
			}
			log.Printf("discovery: %s: page %d failed, using %d partial results: %v", d.platform, page, len(all), err)
			break
		}
		if len(listings) == 0 {
			break
		}
		for _, l := range listings {
			if l.ChannelID == "" {
				continue
			}
			if l.BroadcastID != "" {
				liveIDs[l.BroadcastID] = struct{}{}
			}
			if _, ok := seen[l.ChannelID]; ok {
				continue
			}
			seen[l.ChannelID] = struct{}{}
			l.Platform = d.platform
			all = append(all, l)
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].ViewerCount > all[j].ViewerCount
	})
	if cap > 0 && len(all) > cap {
		all = all[:cap]
	}
	return all, liveIDs, nil
}
