// Package storyapi is a client for the remote Story REST API.
package storyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// MaxPhotoSize is the largest photo the API accepts.
const MaxPhotoSize = 1 << 20

var ErrPhotoTooLarge = errors.New("photo exceeds 1MB")

// APIError is a request the API answered but refused.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("story api: status %d", e.Status)
	}
	return fmt.Sprintf("story api: status %d: %s", e.Status, e.Message)
}

// Response is the envelope every endpoint answers with.
type Response struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

type LoginResult struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Token  string `json:"token"`
}

type Photo struct {
	Name        string
	ContentType string
	Data        []byte
}

type NewStory struct {
	Description string
	Photo       *Photo
	Lat         *float64
	Lon         *float64
}

type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

type PushSubscription struct {
	Endpoint string   `json:"endpoint"`
	Keys     PushKeys `json:"keys"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) Register(ctx context.Context, name, email, password string) error {
	body := map[string]string{"name": name, "email": email, "password": password}
	return c.doJSON(ctx, http.MethodPost, "/register", "", body, nil)
}

func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var out struct {
		Response
		LoginResult LoginResult `json:"loginResult"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/login", "", body, &out); err != nil {
		return LoginResult{}, err
	}
	return out.LoginResult, nil
}

// AddStory posts s as the user owning token.
func (c *Client) AddStory(ctx context.Context, token string, s NewStory) error {
	return c.postStory(ctx, "/stories", token, s)
}

// AddGuestStory posts s without authentication.
func (c *Client) AddGuestStory(ctx context.Context, s NewStory) error {
	return c.postStory(ctx, "/stories/guest", "", s)
}

func (c *Client) SubscribePush(ctx context.Context, token string, sub PushSubscription) error {
	return c.doJSON(ctx, http.MethodPost, "/notifications/subscribe", token, sub, nil)
}

func (c *Client) UnsubscribePush(ctx context.Context, token, endpoint string) error {
	body := map[string]string{"endpoint": endpoint}
	return c.doJSON(ctx, http.MethodDelete, "/notifications/subscribe", token, body, nil)
}

func (c *Client) postStory(ctx context.Context, path, token string, s NewStory) error {
	if s.Photo != nil && len(s.Photo.Data) > MaxPhotoSize {
		return ErrPhotoTooLarge
	}
	body, contentType, err := encodeStory(s)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, nil)
}

func encodeStory(s NewStory) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("description", s.Description); err != nil {
		return nil, "", err
	}
	if s.Photo != nil {
		h := make(textproto.MIMEHeader)
		name := s.Photo.Name
		if name == "" {
			name = "photo"
		}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="photo"; filename=%q`, name))
		ct := s.Photo.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(s.Photo.Data); err != nil {
			return nil, "", err
		}
	}
	if s.Lat != nil && s.Lon != nil {
		if err := mw.WriteField("lat", strconv.FormatFloat(*s.Lat, 'f', -1, 64)); err != nil {
			return nil, "", err
		}
		if err := mw.WriteField("lon", strconv.FormatFloat(*s.Lon, 'f', -1, 64)); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

// do sends req and decodes the envelope. Non-2xx statuses and envelopes with
// error=true become *APIError.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env Response
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode story api response: %w", decodeErr)
	}
	if env.Error {
		return &APIError{Status: resp.StatusCode, Message: env.Message}
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}
