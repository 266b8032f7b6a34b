// Package adapter wraps external inference backends behind the Scorer contract.
package adapter

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/4406arthur/verity/domain"
	"github.com/gojektech/heimdall/v6/httpclient"
	"github.com/pquerna/ffjson/ffjson"
)

type scoreRequest struct {
	FrameRef string `json:"frame_ref"`
	Index    int    `json:"index"`
}

type scoreResponse struct {
	Probability float64         `json:"probability"`
	Regions     []domain.Region `json:"regions,omitempty"`
}

//HTTPScorer calls one inference backend over HTTP. Any failure mode within
//the per-call timeout window (connection error, bad status, undecodable body)
//yields an unavailable score, never an error.
type HTTPScorer struct {
	name       string
	endpoint   string
	timeout    time.Duration
	httpClient *httpclient.Client
}

//NewHTTPScorer ...
func NewHTTPScorer(name, endpoint string, timeout time.Duration, httpCli *httpclient.Client) *HTTPScorer {
	return &HTTPScorer{
		name:       name,
		endpoint:   endpoint,
		timeout:    timeout,
		httpClient: httpCli,
	}
}

//Name ...
func (s *HTTPScorer) Name() string { return s.name }

//Score posts the frame reference to the backend and decodes its probability.
func (s *HTTPScorer) Score(ctx context.Context, frame domain.Frame) domain.ModelScore {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	jsonByte, _ := ffjson.Marshal(&scoreRequest{FrameRef: frame.Ref, Index: frame.Index})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewBuffer(jsonByte))
	if err != nil {
		return domain.Unavailable(s.name, time.Since(start))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Printf("[Debug] adapter %s unavailable: %s", s.name, err.Error())
		return domain.Unavailable(s.name, time.Since(start))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Printf("[Debug] adapter %s unavailable: status %d", s.name, resp.StatusCode)
		return domain.Unavailable(s.name, time.Since(start))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Unavailable(s.name, time.Since(start))
	}

	var out scoreResponse
	if err := ffjson.Unmarshal(respBody, &out); err != nil {
		return domain.Unavailable(s.name, time.Since(start))
	}

	return domain.ModelScore{
		Adapter:     s.name,
		Available:   true,
		Probability: out.Probability,
		Latency:     time.Since(start),
		Regions:     out.Regions,
	}
}
