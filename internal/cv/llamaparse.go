package cv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"cv-pipeline/internal/retry"
	httpx "cv-pipeline/pkg/http"

	"github.com/sirupsen/logrus"
)

const defaultLlamaParseURL = "https://api.cloud.llamaindex.ai/api/parsing"

var errJobFailed = errors.New("parse job failed")

// jobFailure is a terminal job status. pages is what the service billed.
type jobFailure struct {
	msg   string
	pages int
}

func (e *jobFailure) Error() string { return errJobFailed.Error() + ": " + e.msg }

func (e *jobFailure) Unwrap() error { return errJobFailed }

// LlamaParser uploads a document to the LlamaParse service and polls the
// job until markdown is ready.
type LlamaParser struct {
	apiKey      string
	baseURL     string
	http        *httpx.Client
	pollEvery   time.Duration
	maxAttempts int
	log         *logrus.Entry
}

func NewLlamaParser(apiKey, baseURL string, timeout, pollEvery time.Duration, maxAttempts int, log *logrus.Entry) (*LlamaParser, error) {
	if apiKey == "" {
		return nil, errors.New("LLAMAPARSE_API_KEY is required for LlamaParse")
	}
	if baseURL == "" {
		baseURL = defaultLlamaParseURL
	}
	if pollEvery <= 0 {
		pollEvery = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 60
	}
	return &LlamaParser{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        httpx.NewClient(timeout),
		pollEvery:   pollEvery,
		maxAttempts: maxAttempts,
		log:         log,
	}, nil
}

func (p *LlamaParser) Parse(ctx context.Context, data []byte, filename string) (*ParseResult, error) {
	start := time.Now()
	log := p.log.WithField("filename", filename)

	jobID, err := p.upload(ctx, data, filename)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	log.WithField("parse_job", jobID).Info("upload successful")

	res, err := p.poll(ctx, jobID)
	if err != nil {
		log.WithError(err).WithField("took", time.Since(start).String()).Error("parse failed")
		pe := &ParseError{JobID: jobID, Err: err}
		var jf *jobFailure
		if errors.As(err, &jf) {
			pe.Pages = jf.pages
		}
		return nil, pe
	}
	res.JobID = jobID
	res.Duration = time.Since(start)
	res.Metadata["job_id"] = jobID
	res.Metadata["filename"] = filename
	res.Metadata["processing_duration_ms"] = res.Duration.Milliseconds()
	log.WithFields(logrus.Fields{"pages": res.Pages, "took": res.Duration.String()}).Info("parse completed")
	return res, nil
}

func (p *LlamaParser) upload(ctx context.Context, data []byte, filename string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/upload", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, _, err := p.http.Send(req)
	if err != nil {
		return "", fmt.Errorf("LlamaParse upload error: %w", err)
	}
	var out struct {
		JobID string `json:"job_id"`
		ID    string `json:"id"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if out.JobID != "" {
		return out.JobID, nil
	}
	if out.ID != "" {
		return out.ID, nil
	}
	return "", errors.New("no job ID returned from upload")
}

// poll checks job status up to maxAttempts times. Transient status errors
// are retried; a failed job ends polling immediately.
func (p *LlamaParser) poll(ctx context.Context, jobID string) (*ParseResult, error) {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		res, done, err := p.checkOnce(ctx, jobID)
		switch {
		case err != nil && errors.Is(err, errJobFailed):
			return nil, err
		case err != nil:
			lastErr = err
			p.log.WithError(err).WithField("attempt", attempt).Warn("polling attempt failed, retrying")
		case done:
			return res, nil
		default:
			p.log.WithFields(logrus.Fields{"parse_job": jobID, "attempt": attempt}).Debug("still processing")
		}
		if attempt == p.maxAttempts {
			break
		}
		if err := retry.Sleep(ctx, p.pollEvery); err != nil {
			return nil, err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("job %s did not complete within %d attempts", jobID, p.maxAttempts)
}

func (p *LlamaParser) checkOnce(ctx context.Context, jobID string) (*ParseResult, bool, error) {
	raw, err := p.http.Get(ctx, p.baseURL+"/job/"+jobID, httpx.Bearer(p.apiKey))
	if err != nil {
		return nil, false, fmt.Errorf("status check failed: %w", err)
	}
	var status map[string]any
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, false, fmt.Errorf("decode status: %w", err)
	}

	pages := 0
	if n, ok := status["page_count"].(float64); ok {
		pages = int(n)
	}

	state, _ := status["status"].(string)
	switch strings.ToUpper(state) {
	case "ERROR", "FAILED":
		msg, _ := status["error"].(string)
		if msg == "" {
			msg = "Unknown error"
		}
		return nil, false, &jobFailure{msg: msg, pages: pages}
	case "SUCCESS", "COMPLETED":
	default:
		return nil, false, nil
	}

	md, err := p.http.Get(ctx, p.baseURL+"/job/"+jobID+"/result/markdown", httpx.Bearer(p.apiKey))
	if err != nil {
		return nil, false, fmt.Errorf("result fetch failed: %w", err)
	}
	meta := make(map[string]any, len(status)+1)
	for k, v := range status {
		meta[k] = v
	}
	meta["page_count"] = pages
	return &ParseResult{Markdown: markdownBody(md), Pages: pages, Metadata: meta}, true, nil
}

// markdownBody unwraps {"markdown": "..."} when the service answers JSON.
func markdownBody(raw []byte) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Markdown string `json:"markdown"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err == nil && wrapped.Markdown != "" {
			return wrapped.Markdown
		}
	}
	return string(raw)
}
