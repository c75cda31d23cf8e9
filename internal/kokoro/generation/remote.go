package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/bdobrica/kokoro/common/version"
	"github.com/bdobrica/kokoro/internal/kokoro/prompt"
)

// Remote implements Backend against a companion backend service that takes
// the full prompt.Request as JSON on POST /generate and POST /proactive.
// Unlike a bare chat-completions endpoint, such a service may score turns
// (affection) and start quests.
type Remote struct {
	client *resty.Client
}

// remoteReply is the backend's JSON reply.
type remoteReply struct {
	Text           string `json:"text"`
	TypingDelayMS  int    `json:"typing_delay_ms,omitempty"`
	AffectionDelta *int   `json:"affection_delta,omitempty"`
	QuestTrigger   bool   `json:"quest_trigger,omitempty"`
}

type remoteError struct {
	Error string `json:"error"`
}

// NewRemote returns a Remote for baseURL. apiKey may be empty.
func NewRemote(baseURL, apiKey string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", version.UserAgent()).
		SetTimeout(timeout)
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &Remote{client: c}
}

func (r *Remote) Generate(ctx context.Context, req prompt.Request) (*Reply, error) {
	return r.post(ctx, "/generate", req)
}

func (r *Remote) Proactive(ctx context.Context, req prompt.Request) (*Reply, error) {
	return r.post(ctx, "/proactive", req)
}

func (r *Remote) post(ctx context.Context, path string, req prompt.Request) (*Reply, error) {
	var out remoteReply
	var apiErr remoteError
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return nil, &Error{Category: Classify(err), Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		msg := apiErr.Error
		if msg == "" {
			msg = fmt.Sprintf("%.200s", strings.TrimSpace(resp.String()))
		}
		return nil, &Error{
			Category: categoryForStatus(resp.StatusCode()),
			Status:   resp.StatusCode(),
			Err:      errors.New(msg),
		}
	}

	text := strings.TrimSpace(out.Text)
	if text == "" {
		return nil, errors.New("generation: empty reply")
	}
	delay := time.Duration(out.TypingDelayMS) * time.Millisecond
	if delay <= 0 {
		delay = prompt.Pacing(firstPart(text))
	}
	return &Reply{
		Text:           text,
		TypingDelay:    delay,
		AffectionDelta: out.AffectionDelta,
		QuestTrigger:   out.QuestTrigger,
	}, nil
}

var _ Backend = (*Remote)(nil)
