package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/you/streamscout/internal/core"
	"github.com/you/streamscout/internal/fetch"
)

// ChzzkLister pages the chzzk live listing API.
type ChzzkLister struct {
	fetcher *fetch.Fetcher
	baseURL string
}

func NewChzzkLister(fetcher *fetch.Fetcher, baseURL string) *ChzzkLister {
	return &ChzzkLister{fetcher: fetcher, baseURL: baseURL}
}

type chzzkLiveResponse struct {
	Code    int `json:"code"`
	Content struct {
		Data []struct {
			LiveID         int64  `json:"liveId"`
			LiveTitle      string `json:"liveTitle"`
			ConcurrentUser int    `json:"concurrentUserCount"`
			LiveImageURL   string `json:"liveImageUrl"`
			OpenDate       string `json:"openDate"`
			CategoryID     string `json:"liveCategory"`
			CategoryValue  string `json:"liveCategoryValue"`
			Channel        struct {
				ChannelID        string `json:"channelId"`
				ChannelName      string `json:"channelName"`
				ChannelImageURL  string `json:"channelImageUrl"`
				VerifiedMark     bool   `json:"verifiedMark"`
				PersonalFollower int    `json:"followerCount"`
			} `json:"channel"`
		} `json:"data"`
	} `json:"content"`
}

func (c *ChzzkLister) ListLive(ctx context.Context, page, pageSize int) ([]core.BroadcastListing, error) {
	url := fmt.Sprintf("%s/service/v1/lives?size=%d&offset=%d&sortType=POPULAR", c.baseURL, pageSize, page*pageSize)
	body, err := c.fetcher.Get(ctx, url)
	if err != nil {
		return nil, err
	}

	var resp chzzkLiveResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("chzzk: decode live list: %w", err)
	}
	if resp.Code != 200 {
		return nil, fmt.Errorf("chzzk: live list code %d", resp.Code)
	}

	out := make([]core.BroadcastListing, 0, len(resp.Content.Data))
	for _, item := range resp.Content.Data {
		started, _ := time.ParseInLocation("2006-01-02 15:04:05", item.OpenDate, time.Local)
		out = append(out, core.BroadcastListing{
			Platform:     core.PlatformChzzk,
			ChannelID:    item.Channel.ChannelID,
			BroadcastID:  fmt.Sprintf("%d", item.LiveID),
			StreamerID:   item.Channel.ChannelID,
			Nickname:     item.Channel.ChannelName,
			Title:        item.LiveTitle,
			CategoryID:   item.CategoryID,
			CategoryName: item.CategoryValue,
			ViewerCount:  item.ConcurrentUser,
			ThumbnailURL: item.LiveImageURL,
			StartedAt:    started,
		})
	}
	return out, nil
}
