package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/you/streamscout/internal/core"
	"github.com/you/streamscout/internal/fetch"
)

// SoopLister pages the soop main broadcast listing. Pages are 1-based on this
// platform.
type SoopLister struct {
	fetcher *fetch.Fetcher
	baseURL string
}

func NewSoopLister(fetcher *fetch.Fetcher, baseURL string) *SoopLister {
	return &SoopLister{fetcher: fetcher, baseURL: baseURL}
}

type soopLiveResponse struct {
	Broad []struct {
		BroadNo      json.Number `json:"broad_no"`
		UserID       string      `json:"user_id"`
		UserNick     string      `json:"user_nick"`
		BroadTitle   string      `json:"broad_title"`
		CateNo       string      `json:"broad_cate_no"`
		CateName     string      `json:"cate_name"`
		ViewCnt      json.Number `json:"total_view_cnt"`
		ThumbnailURL string      `json:"broad_thumb"`
		BroadStart   string      `json:"broad_start"`
	} `json:"broad"`
}

func (s *SoopLister) ListLive(ctx context.Context, page, pageSize int) ([]core.BroadcastListing, error) {
	url := fmt.Sprintf("%s/api/main/broad/list?nPageNo=%d&nListCnt=%d&szOrder=view_cnt", s.baseURL, page+1, pageSize)
	body, err := s.fetcher.Get(ctx, url)
	if err != nil {
		return nil, err
	}

	var resp soopLiveResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("soop: decode broad list: %w", err)
	}

	out := make([]core.BroadcastListing, 0, len(resp.Broad))
	for _, item := range resp.Broad {
		viewers, _ := strconv.Atoi(item.ViewCnt.String())
		started, _ := time.ParseInLocation("2006-01-02 15:04:05", item.BroadStart, time.Local)
		out = append(out, core.BroadcastListing{
			Platform:     core.PlatformSoop,
			ChannelID:    item.UserID,
			BroadcastID:  item.BroadNo.String(),
			StreamerID:   item.UserID,
			Nickname:     item.UserNick,
			Title:        item.BroadTitle,
			CategoryID:   item.CateNo,
			CategoryName: item.CateName,
			ViewerCount:  viewers,
			ThumbnailURL: item.ThumbnailURL,
			StartedAt:    started,
		})
	}
	return out, nil
}
