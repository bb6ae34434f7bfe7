package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pavelanni/bandexam/internal/model"
)

// ContentClient fetches module definitions from the content service.
type ContentClient struct {
	base string
	http *http.Client
}

// NewContentClient creates a client for the content service at cfg.BaseURL.
func NewContentClient(cfg Config) *ContentClient {
	return &ContentClient{base: cfg.BaseURL, http: NewHTTPClient(cfg)}
}

// Load fetches the sections and questions of one module of a test set.
func (c *ContentClient) Load(ctx context.Context, kind model.ModuleKind, set int) (model.ExamModule, error) {
	const op = "fetch module"
	u := joinURL(c.base, "modules", string(kind), "sets", strconv.Itoa(set))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.ExamModule{}, encodingError(op, err)
	}
	req.Header.Set("Accept", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return model.ExamModule{}, transportError(op, err)
	}
	defer res.Body.Close()
	if err := statusError(op, res); err != nil {
		return model.ExamModule{}, err
	}
	var m model.ExamModule
	if err := json.NewDecoder(res.Body).Decode(&m); err != nil {
		return model.ExamModule{}, encodingError(op, err)
	}
	if m.Kind == "" {
		m.Kind = kind
	}
	if m.Set == 0 {
		m.Set = set
	}
	return m, nil
}
