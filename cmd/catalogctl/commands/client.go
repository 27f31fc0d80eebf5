package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/JonMunkholm/catalog/internal/job"
	"github.com/JonMunkholm/catalog/internal/preview"
	"github.com/JonMunkholm/catalog/internal/web"
)

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status int
	Body   web.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	msg := fmt.Sprintf("%s (%s)", e.Body.Message, e.Body.Code)
	if e.Body.Action != "" {
		msg += ": " + e.Body.Action
	}
	return msg
}

type client struct {
	base string
	http *http.Client
}

type uploadResult struct {
	FileRef  string `json:"fileRef"`
	Filename string `json:"filename"`
	Bytes    int64  `json:"bytes"`
}

type jobResult struct {
	job.Job
	RowErrorsTruncated bool `json:"rowErrorsTruncated"`
}

type kindField struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Required  bool   `json:"required"`
	Queryable bool   `json:"queryable"`
	Sortable  bool   `json:"sortable"`
}

type kindResult struct {
	Kind       string      `json:"kind"`
	Label      string      `json:"label"`
	NaturalKey []string    `json:"naturalKey"`
	Fields     []kindField `json:"fields"`
}

// upload streams the file as multipart without buffering it in memory.
func (c *client) upload(ctx context.Context, path string) (uploadResult, error) {
	var out uploadResult
	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/files", pr)
	if err != nil {
		pr.Close()
		return out, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return out, c.do(req, &out)
}

func (c *client) submit(ctx context.Context, r job.Request) (jobResult, error) {
	var out jobResult
	body, err := json.Marshal(r)
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/jobs", bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	return out, c.do(req, &out)
}

func (c *client) status(ctx context.Context, id string) (jobResult, error) {
	var out jobResult
	return out, c.get(ctx, "/api/jobs/"+url.PathEscape(id), &out)
}

func (c *client) cancel(ctx context.Context, id string) (jobResult, error) {
	var out jobResult
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/jobs/"+url.PathEscape(id)+"/cancel", nil)
	if err != nil {
		return out, err
	}
	return out, c.do(req, &out)
}

func (c *client) jobs(ctx context.Context, limit int) ([]jobResult, error) {
	var out struct {
		Jobs []jobResult `json:"jobs"`
	}
	err := c.get(ctx, fmt.Sprintf("/api/jobs?limit=%d", limit), &out)
	return out.Jobs, err
}

func (c *client) kinds(ctx context.Context) ([]kindResult, error) {
	var out struct {
		Kinds []kindResult `json:"kinds"`
	}
	err := c.get(ctx, "/api/kinds", &out)
	return out.Kinds, err
}

func (c *client) preview(ctx context.Context, kind, ref string) (preview.Report, error) {
	var out preview.Report
	path := fmt.Sprintf("/api/kinds/%s/preview?ref=%s", url.PathEscape(kind), url.QueryEscape(ref))
	err := c.get(ctx, path, &out)
	return out, err
}

// download copies a stored file to w.
func (c *client) download(ctx context.Context, ref string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/files?ref="+url.QueryEscape(ref), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	e := &apiError{Status: resp.StatusCode}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e.Body)
	return e
}
