package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DesktopChannel sends desktop notifications via ntfy.sh (or a self-hosted
// ntfy server), which relays them to the user's devices.
type DesktopChannel struct {
	url   string // full URL: https://ntfy.sh/{topic}
	token string // optional bearer token for reserved topics
	httpc *http.Client
}

// NewDesktopChannel creates the channel. Topic can be a bare topic name
// (expanded to https://ntfy.sh/{topic}) or a full URL.
func NewDesktopChannel(topic, token string) *DesktopChannel {
	url := topic
	if !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		url = "https://ntfy.sh/" + topic
	}
	return &DesktopChannel{
		url:   url,
		token: token,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

var kindPriority = map[Kind]string{
	KindReady:      "default",
	KindError:      "high",
	KindQuestion:   "high",
	KindPermission: "high",
}

var kindTags = map[Kind]string{
	KindReady:      "white_check_mark",
	KindError:      "x",
	KindQuestion:   "question",
	KindPermission: "lock",
}

// Send posts one trigger. Synchronous; the dispatcher runs it off the relay
// loop already.
func (c *DesktopChannel) Send(ctx context.Context, t Trigger) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBufferString(t.Body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Title", t.Title)
	req.Header.Set("Priority", kindPriority[t.Kind])
	req.Header.Set("Tags", kindTags[t.Kind])
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ntfy: HTTP %d", resp.StatusCode)
	}
	return nil
}
