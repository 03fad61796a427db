package thread

import (
	"context"
	"encoding/json"
	"sort"

	"tickerpulse/internal/domain/forum"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

// Fetcher resolves hidden child comments of a submission
type Fetcher interface {
	MoreChildren(ctx context.Context, postID string, ids []string) (json.RawMessage, error)
}

// Expander drains pending expansions of a thread with chunked follow-up fetches
type Expander struct {
	fetcher    Fetcher
	chunkSize  int
	maxBatches int
	log        *logger.Logger
}

// NewExpander creates an expander. maxBatches <= 0 means no fetch ceiling.
func NewExpander(fetcher Fetcher, chunkSize, maxBatches int, log *logger.Logger) *Expander {
	if chunkSize < 1 {
		chunkSize = 1
	}
	return &Expander{
		fetcher:    fetcher,
		chunkSize:  chunkSize,
		maxBatches: maxBatches,
		log:        log,
	}
}

// Expansion is the merged comment set of a thread after expansion
type Expansion struct {
	Comments []forum.Comment
	Fetches  int
	// Unresolved counts child ids still queued when the batch ceiling was hit
	Unresolved int
}

// Expand resolves pending branches breadth-first. Each comment id is requested
// once; a comment seen at two depths keeps the smaller one. The result is
// ordered by depth then creation time.
func (e *Expander) Expand(ctx context.Context, submissionID string, comments []forum.Comment, pending []forum.PendingExpansion) (Expansion, error) {
	if len(pending) == 0 {
		return Expansion{Comments: comments}, nil
	}

	byID := make(map[string]forum.Comment, len(comments))
	depths := make(map[string]int, len(comments))
	for _, c := range comments {
		byID[c.ID] = c
		depths[c.ID] = c.Depth
	}

	queue := append([]forum.PendingExpansion(nil), pending...)
	requested := make(map[string]struct{})
	fetches := 0
	unlimited := e.maxBatches <= 0

	for len(queue) > 0 && (unlimited || fetches < e.maxBatches) {
		next := queue[0]
		queue = queue[1:]

		unresolved := make([]string, 0, len(next.Children))
		for _, id := range next.Children {
			if _, ok := byID[id]; ok {
				continue
			}
			if _, ok := requested[id]; ok {
				continue
			}
			unresolved = append(unresolved, id)
		}

		for _, chunk := range chunked(unresolved, e.chunkSize) {
			for _, id := range chunk {
				requested[id] = struct{}{}
			}

			payload, err := e.fetcher.MoreChildren(ctx, submissionID, chunk)
			if err != nil {
				return Expansion{}, errors.Wrapf(err, "expand %s", submissionID)
			}
			fetches++

			resolved, more, err := ParseMoreChildren(payload, submissionID, depths, next.ParentID, next.Depth)
			if err != nil {
				e.log.Warnw("Skipping malformed morechildren payload",
					"submission_id", submissionID,
					"chunk", len(chunk),
					"error", err,
				)
			}
			for _, c := range resolved {
				if existing, ok := byID[c.ID]; !ok || c.Depth < existing.Depth {
					byID[c.ID] = c
					depths[c.ID] = c.Depth
				}
			}
			queue = append(queue, more...)

			if !unlimited && fetches >= e.maxBatches {
				break
			}
		}
	}

	left := 0
	for _, p := range queue {
		left += len(p.Children)
	}
	if left > 0 {
		e.log.Debugw("Morechildren batch ceiling reached",
			"submission_id", submissionID,
			"fetches", fetches,
			"unresolved", left,
		)
	}

	out := make([]forum.Comment, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return Expansion{Comments: out, Fetches: fetches, Unresolved: left}, nil
}

func chunked(ids []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}
