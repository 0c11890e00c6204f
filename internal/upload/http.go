package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

const (
	tokenPath  = "auth/v1/token"
	objectPath = "storage/v1/object"
)

// HTTPStore talks to a storage service with a password login endpoint and an
// object endpoint accepting bearer tokens.
//
//	POST {url}/auth/v1/token?grant_type=password
//	POST {url}/storage/v1/object/{bucket}/{key}
type HTTPStore struct {
	baseURL  *url.URL
	bucket   string
	email    string
	password string
	client   *http.Client

	mx     sync.Mutex
	authed *http.Client
}

func NewHTTPStore(serverURL *url.URL, bucket, email, password string) (*HTTPStore, error) {
	if serverURL == nil || serverURL.Scheme == "" || serverURL.Host == "" {
		return nil, errors.New("please define the server url with a scheme, e.g. `https://storage.example.com`")
	}
	if bucket == "" {
		return nil, errors.New("bucket must not be empty")
	}
	u := *serverURL
	u.Path = strings.TrimRight(u.Path, "/")
	return &HTTPStore{
		baseURL:  &u,
		bucket:   bucket,
		email:    email,
		password: password,
		client:   &http.Client{},
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (s *HTTPStore) Login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"email": s.email, "password": s.password})
	if err != nil {
		return err
	}
	u := s.baseURL.JoinPath(tokenPath)
	u.RawQuery = url.Values{"grant_type": {"password"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var token tokenResponse
	if err := decodeResponse(resp, http.StatusOK, &token); err != nil {
		return err
	}
	if token.AccessToken == "" {
		return errors.New("received unexpected body: no access_token")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.AccessToken, TokenType: "Bearer"})
	ctx = context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, s.client)
	s.mx.Lock()
	s.authed = oauth2.NewClient(ctx, ts)
	s.mx.Unlock()
	slog.DebugContext(ctx, "logged in", "url", s.baseURL.String(), "expires_in", token.ExpiresIn)
	return nil
}

type objectResponse struct {
	Key string `json:"Key"`
}

func (s *HTTPStore) Put(ctx context.Context, key, contentType string, r io.Reader) error {
	s.mx.Lock()
	client := s.authed
	s.mx.Unlock()
	if client == nil {
		return ErrNotAuthenticated
	}

	u := s.baseURL.JoinPath(objectPath, s.bucket, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var obj objectResponse
	if err := decodeResponse(resp, http.StatusOK, &obj); err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	slog.DebugContext(ctx, "object uploaded", "key", obj.Key)
	return nil
}

// decodeResponse decodes a JSON body of a response with the expected status
// into v, or turns the response into an error. 401 and 403 are ErrAuthFailed.
func decodeResponse(resp *http.Response, expected int, v any) error {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		contentType = ""
	}

	switch resp.StatusCode {
	case expected:
		if contentType != "application/json" {
			return fmt.Errorf("expected `application/json` content type, got: %s", contentType)
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return nil
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusConflict, http.StatusRequestEntityTooLarge:
		if contentType == "application/json" {
			var problem struct {
				Message          string `json:"message"`
				Error            string `json:"error"`
				ErrorDescription string `json:"error_description"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&problem); err != nil {
				return fmt.Errorf("decoding json response failed: %w", err)
			}
			detail := problem.Message
			if problem.ErrorDescription != "" {
				detail = problem.ErrorDescription
			}
			if detail == "" {
				detail = problem.Error
			}
			err := fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, detail)
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return fmt.Errorf("%w: %w", ErrAuthFailed, err)
			}
			return err
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	err = fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	return err
}
