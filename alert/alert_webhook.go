package alert

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/gojektech/heimdall/v6/httpclient"
	"github.com/pquerna/ffjson/ffjson"
)

// Webhook ...
type Webhook struct {
	httpClient *httpclient.Client
	url        string
}

type webhookRQ struct {
	Text string `json:"text"`
}

// NewWebhook ...
func NewWebhook(httpCli *httpclient.Client, url string) *Webhook {
	return &Webhook{
		httpClient: httpCli,
		url:        url,
	}
}

// PushNotify posts the message to the configured incoming-webhook URL.
func (w *Webhook) PushNotify(msg string) error {
	payload, _ := ffjson.Marshal(&webhookRQ{
		Text: msg,
	})
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	resp, err := w.httpClient.Post(
		w.url,
		bytes.NewBuffer(payload),
		headers,
	)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return errors.New("wrong http status code")
	}

	return nil
}
