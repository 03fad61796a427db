package thread

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"tickerpulse/internal/domain/forum"
	"tickerpulse/pkg/errors"
)

const (
	kindComment = "t1"
	kindPost    = "t3"
	kindMore    = "more"

	deletedAuthor = "[deleted]"
)

type node struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type listing struct {
	Data struct {
		After    *string `json:"after"`
		Children []node  `json:"children"`
	} `json:"data"`
}

type postData struct {
	ID          string  `json:"id"`
	Subreddit   string  `json:"subreddit"`
	CreatedUTC  float64 `json:"created_utc"`
	Title       string  `json:"title"`
	Selftext    string  `json:"selftext"`
	URL         string  `json:"url"`
	Author      *string `json:"author"`
	Score       float64 `json:"score"`
	NumComments float64 `json:"num_comments"`
	Permalink   string  `json:"permalink"`
}

type commentData struct {
	ID         string          `json:"id"`
	ParentID   string          `json:"parent_id"`
	Author     *string         `json:"author"`
	CreatedUTC float64         `json:"created_utc"`
	Score      float64         `json:"score"`
	Body       string          `json:"body"`
	Permalink  string          `json:"permalink"`
	Replies    json.RawMessage `json:"replies"`
}

type moreData struct {
	ParentID string   `json:"parent_id"`
	Children []string `json:"children"`
}

type moreChildrenPayload struct {
	JSON struct {
		Data struct {
			Things []node `json:"things"`
		} `json:"data"`
	} `json:"json"`
}

// ParseListing extracts the posts of one listing page and its cursor.
// Nodes that are not posts or cannot be decoded are skipped.
func ParseListing(payload json.RawMessage) (forum.Listing, error) {
	var page listing
	if err := json.Unmarshal(payload, &page); err != nil {
		return forum.Listing{}, errors.Wrapf(errors.ErrUpstreamShape, "listing: %v", err)
	}

	out := forum.Listing{Posts: make([]forum.Post, 0, len(page.Data.Children))}
	for _, child := range page.Data.Children {
		if child.Kind != kindPost {
			continue
		}
		if post, ok := decodePost(child.Data); ok {
			out.Posts = append(out.Posts, post)
		}
	}
	if page.Data.After != nil {
		out.After = *page.Data.After
	}
	return out, nil
}

// ParseThread decodes the two-part thread payload (post listing, comment
// listing) into the post, its comments in depth-first order and the
// truncated branches still to expand.
func ParseThread(payload json.RawMessage) (forum.Thread, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil || len(parts) < 2 {
		return forum.Thread{}, errors.Wrap(errors.ErrUpstreamShape, "thread payload is not a two-part listing")
	}

	var postListing, commentListing listing
	if err := json.Unmarshal(parts[0], &postListing); err != nil {
		return forum.Thread{}, errors.Wrapf(errors.ErrUpstreamShape, "thread post listing: %v", err)
	}

	var (
		post  forum.Post
		found bool
	)
	for _, child := range postListing.Data.Children {
		if child.Kind != kindPost {
			continue
		}
		if post, found = decodePost(child.Data); found {
			break
		}
	}
	if !found {
		return forum.Thread{}, errors.Wrap(errors.ErrUpstreamShape, "thread has no post")
	}

	t := forum.Thread{Post: post}
	// A broken comment listing leaves a thread without comments.
	if err := json.Unmarshal(parts[1], &commentListing); err == nil {
		w := walker{submissionID: post.ID}
		for _, child := range commentListing.Data.Children {
			w.walk(child, 0)
		}
		t.Comments = w.comments
		t.Pending = w.pending
	}
	return t, nil
}

// ParseMoreChildren decodes a morechildren response. Depths resolve through
// parentDepths and comments decoded earlier in the same payload; a comment
// whose parent is unknown takes the fallback parent and depth of the
// expansion that requested it.
func ParseMoreChildren(
	payload json.RawMessage,
	submissionID string,
	parentDepths map[string]int,
	fallbackParent *string,
	fallbackDepth int,
) ([]forum.Comment, []forum.PendingExpansion, error) {
	var body moreChildrenPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, nil, errors.Wrapf(errors.ErrUpstreamShape, "morechildren: %v", err)
	}

	depths := make(map[string]int, len(parentDepths))
	for id, d := range parentDepths {
		depths[id] = d
	}

	w := walker{submissionID: submissionID}
	for _, thing := range body.JSON.Data.Things {
		switch thing.Kind {
		case kindComment:
			var data commentData
			if err := json.Unmarshal(thing.Data, &data); err != nil || data.ID == "" {
				continue
			}
			c := w.comment(data, depths, fallbackParent, fallbackDepth)
			w.comments = append(w.comments, c)
			depths[c.ID] = c.Depth
			for _, reply := range replyNodes(data.Replies) {
				w.walk(reply, c.Depth+1)
			}
		case kindMore:
			var data moreData
			if err := json.Unmarshal(thing.Data, &data); err != nil {
				continue
			}
			children := nonEmpty(data.Children)
			if len(children) == 0 {
				continue
			}
			parent := normalizeParentID(data.ParentID)
			if parent == nil {
				parent = fallbackParent
			}
			w.pending = append(w.pending, forum.PendingExpansion{
				ParentID: parent,
				Depth:    resolveDepth(parent, submissionID, depths, fallbackDepth),
				Children: children,
			})
		}
	}
	return w.comments, w.pending, nil
}

type walker struct {
	submissionID string
	comments     []forum.Comment
	pending      []forum.PendingExpansion
}

// walk visits a reply tree depth-first with an explicit stack
func (w *walker) walk(root node, depth int) {
	type frame struct {
		n     node
		depth int
	}
	stack := []frame{{root, depth}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch f.n.Kind {
		case kindMore:
			var data moreData
			if err := json.Unmarshal(f.n.Data, &data); err != nil {
				continue
			}
			children := nonEmpty(data.Children)
			if len(children) == 0 {
				continue
			}
			w.pending = append(w.pending, forum.PendingExpansion{
				ParentID: normalizeParentID(data.ParentID),
				Depth:    max(f.depth, 0),
				Children: children,
			})
		case kindComment:
			var data commentData
			if err := json.Unmarshal(f.n.Data, &data); err != nil || data.ID == "" {
				continue
			}
			w.comments = append(w.comments, w.comment(data, nil, nil, f.depth))
			replies := replyNodes(data.Replies)
			for i := len(replies) - 1; i >= 0; i-- {
				stack = append(stack, frame{replies[i], f.depth + 1})
			}
		}
	}
}

func (w *walker) comment(data commentData, depths map[string]int, fallbackParent *string, fallbackDepth int) forum.Comment {
	parent := normalizeParentID(data.ParentID)
	if parent == nil {
		parent = fallbackParent
	}
	return forum.Comment{
		ID:           data.ID,
		SubmissionID: w.submissionID,
		ParentID:     parent,
		Depth:        resolveDepth(parent, w.submissionID, depths, fallbackDepth),
		Author:       normalizeAuthor(data.Author),
		CreatedAt:    fromUnix(data.CreatedUTC),
		Score:        int(data.Score),
		Body:         data.Body,
		Permalink:    data.Permalink,
	}
}

func decodePost(raw json.RawMessage) (forum.Post, bool) {
	var data postData
	if err := json.Unmarshal(raw, &data); err != nil || data.ID == "" {
		return forum.Post{}, false
	}
	return forum.Post{
		ID:          data.ID,
		Subreddit:   data.Subreddit,
		CreatedAt:   fromUnix(data.CreatedUTC),
		Title:       data.Title,
		Body:        data.Selftext,
		URL:         data.URL,
		Author:      normalizeAuthor(data.Author),
		Score:       int(data.Score),
		NumComments: int(data.NumComments),
		Permalink:   data.Permalink,
	}, true
}

// replyNodes returns the children of a nested replies listing. The API sends
// an empty string when there are none.
func replyNodes(raw json.RawMessage) []node {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var l listing
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil
	}
	return l.Data.Children
}

// resolveDepth is 0 under the post, parent+1 under a known comment and the
// fallback otherwise.
func resolveDepth(parent *string, submissionID string, depths map[string]int, fallback int) int {
	if parent == nil {
		return max(fallback, 0)
	}
	if *parent == submissionID {
		return 0
	}
	if d, ok := depths[*parent]; ok {
		return d + 1
	}
	return max(fallback, 0)
}

func normalizeParentID(id string) *string {
	if id == "" {
		return nil
	}
	if strings.HasPrefix(id, "t1_") || strings.HasPrefix(id, "t3_") {
		id = id[3:]
	}
	return &id
}

func normalizeAuthor(author *string) *string {
	if author == nil || *author == deletedAuthor {
		return nil
	}
	a := *author
	return &a
}

func nonEmpty(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func fromUnix(sec float64) time.Time {
	whole := int64(sec)
	return time.Unix(whole, int64((sec-float64(whole))*1e9)).UTC()
}
