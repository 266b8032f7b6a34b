// Package extractor delegates frame extraction to an external service.
package extractor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/4406arthur/verity/domain"
	"github.com/gojektech/heimdall/v6/httpclient"
	"github.com/pquerna/ffjson/ffjson"
)

type extractRequest struct {
	MediaRef  string `json:"media_ref"`
	NumFrames int    `json:"num_frames"`
}

type extractResponse struct {
	Frames []domain.Frame `json:"frames"`
}

//HTTPExtractor asks an extraction service for the frame list of a media ref.
//Unlike adapter scoring, extraction failure is fatal for the job: without
//units of work there is nothing to analyze.
type HTTPExtractor struct {
	endpoint   string
	numFrames  int
	httpClient *httpclient.Client
}

//NewHTTPExtractor ...
func NewHTTPExtractor(endpoint string, numFrames int, httpCli *httpclient.Client) *HTTPExtractor {
	if numFrames <= 0 {
		numFrames = 16
	}
	return &HTTPExtractor{
		endpoint:   endpoint,
		numFrames:  numFrames,
		httpClient: httpCli,
	}
}

//Extract ...
func (e *HTTPExtractor) Extract(ctx context.Context, mediaRef string) ([]domain.Frame, error) {
	jsonByte, _ := ffjson.Marshal(&extractRequest{MediaRef: mediaRef, NumFrames: e.numFrames})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewBuffer(jsonByte))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", mediaRef, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("extract %s: wrong http status code: %s", mediaRef, strconv.Itoa(resp.StatusCode))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out extractResponse
	if err := ffjson.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("extract %s: undecodable response: %w", mediaRef, err)
	}
	if len(out.Frames) == 0 {
		return nil, fmt.Errorf("extract %s: no frames", mediaRef)
	}
	return out.Frames, nil
}
