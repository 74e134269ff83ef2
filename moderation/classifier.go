package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ClassifierClient talks to the external toxicity/deepfake classification
// service. The classifier is a black box: one JSON POST per item, one boolean
// verdict back. Non-2xx and timeouts are classification failures for that
// item only.
type ClassifierClient struct {
	Client *http.Client
	Host   string
}

func NewClassifierClient(host string) *ClassifierClient {
	return &ClassifierClient{
		Client: robustHTTPClient(),
		Host:   host,
	}
}

// robustHTTPClient has retry logic for connection errors and 5xx responses,
// behind the stdlib http.Client interface.
func robustHTTPClient() *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	client := retryClient.StandardClient()
	client.Timeout = 20 * time.Second
	return client
}

type toxicityRequest struct {
	Text string `json:"text"`
}

type toxicityResponse struct {
	IsToxic bool `json:"is_toxic"`
}

type deepfakeRequest struct {
	ImageURL string `json:"image_url"`
}

type deepfakeResponse struct {
	IsDeepfake bool `json:"is_deepfake"`
}

// CheckText submits text for toxicity classification.
func (cc *ClassifierClient) CheckText(ctx context.Context, text string) (bool, error) {
	var resp toxicityResponse
	if err := cc.post(ctx, "/predict-toxicity", &toxicityRequest{Text: text}, &resp); err != nil {
		return false, err
	}
	return resp.IsToxic, nil
}

// CheckImageURL submits an image reference for deepfake classification.
func (cc *ClassifierClient) CheckImageURL(ctx context.Context, imageURL string) (bool, error) {
	var resp deepfakeResponse
	if err := cc.post(ctx, "/predict-deepfake-url", &deepfakeRequest{ImageURL: imageURL}, &resp); err != nil {
		return false, err
	}
	return resp.IsDeepfake, nil
}

func (cc *ClassifierClient) post(ctx context.Context, path string, reqObj, respObj interface{}) error {
	body, err := json.Marshal(reqObj)
	if err != nil {
		return fmt.Errorf("failed to marshal classifier request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", cc.Host+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := cc.Client.Do(req)
	if err != nil {
		return fmt.Errorf("classifier request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("classifier request failed, status code: %d", res.StatusCode)
	}

	respBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("failed to read classifier resp body: %w", err)
	}

	if err := json.Unmarshal(respBytes, respObj); err != nil {
		return fmt.Errorf("failed to parse classifier resp JSON: %w", err)
	}
	return nil
}
