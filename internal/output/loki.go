package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"meteor-loader/internal/event"
)

const lokiApp = "meteor-loader"

type LokiClient struct {
	endpoint string
	instance string
	client   *http.Client
}

type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewLokiClient pushes to endpoint; instance labels every stream so lines
// from concurrent loaders stay apart.
func NewLokiClient(endpoint, instance string) *LokiClient {
	// Proxy settings are read from the environment once; do it now, before
	// the process title rewrite clobbers the environment.
	if req, err := http.NewRequest(http.MethodPost, endpoint, nil); err == nil {
		_, _ = http.ProxyFromEnvironment(req)
	}
	return &LokiClient{
		endpoint: endpoint,
		instance: instance,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (l *LokiClient) Push(ev event.OutputLine) error {
	stream := lokiStream{
		Stream: ev.Labels(lokiApp, l.instance),
		Values: [][]string{
			{strconv.FormatInt(ev.Timestamp.UnixNano(), 10), ev.Data},
		},
	}

	body, err := json.Marshal(lokiPushRequest{Streams: []lokiStream{stream}})
	if err != nil {
		return err
	}

	resp, err := l.client.Post(l.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("loki returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
