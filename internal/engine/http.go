package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

// HTTPConfig holds configuration for the engine HTTP driver.
type HTTPConfig struct {
	// Addr is the host:port of the engine's HTTP endpoint.
	Addr string

	// Timeout bounds every request. Zero means 30s.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c HTTPConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("engine address required")
	}
	return nil
}

// HTTPEngine implements Engine over the storage engine's HTTP protocol.
type HTTPEngine struct {
	base   string
	client *http.Client
}

// Dial connects to the engine and verifies the transport with one
// ListDatabases round trip. It does not retry; retry policy belongs to Conn.
func Dial(ctx context.Context, cfg HTTPConfig) (*HTTPEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	e := &HTTPEngine{
		base:   "http://" + cfg.Addr,
		client: &http.Client{Timeout: timeout},
	}

	if _, err := e.ListDatabases(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// errorEnvelope is the engine's error response body.
type errorEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// do executes one request and decodes the response body into out (when
// non-nil). Failures come back classified.
func (e *HTTPEngine) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindInvalid, Op: op, Message: "encoding request", Err: err}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.base+path, reader)
	if err != nil {
		return &Error{Kind: KindInvalid, Op: op, Message: "building request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return &Error{Kind: classifyTransport(err), Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope errorEnvelope
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = json.Unmarshal(data, &envelope)
		msg := envelope.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &Error{Kind: classifyStatus(resp.StatusCode), Op: op, Message: msg}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Kind: KindUnknown, Op: op, Message: "decoding response", Err: err}
		}
	}
	return nil
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusNotImplemented:
		return KindUnsupported
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindInvalid
	case status >= 500:
		return KindTransient
	default:
		return KindUnknown
	}
}

// classifyTransport maps a transport-level failure to an error kind.
// Dropped sockets and refused connections are transient; everything else is
// not a reconnect trigger.
func classifyTransport(err error) Kind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// ListDatabases implements Engine.
func (e *HTTPEngine) ListDatabases(ctx context.Context) ([]string, error) {
	var resp struct {
		Databases []string `json:"databases"`
	}
	if err := e.do(ctx, "list_databases", http.MethodGet, "/databases", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Databases, nil
}

// CreateDatabase implements Engine.
func (e *HTTPEngine) CreateDatabase(ctx context.Context, name string) error {
	return e.do(ctx, "create_database", http.MethodPost, "/databases/"+url.PathEscape(name), nil, nil)
}

// GetDatabase implements Engine.
func (e *HTTPEngine) GetDatabase(ctx context.Context, name string) (Database, error) {
	if err := e.do(ctx, "get_database", http.MethodGet, "/databases/"+url.PathEscape(name), nil, nil); err != nil {
		return nil, err
	}
	return &httpDatabase{engine: e, name: name}, nil
}

// Close implements Engine. Closing an HTTP handle only drops idle
// connections, so it can never fail and is safe to call repeatedly.
func (e *HTTPEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

type httpDatabase struct {
	engine *HTTPEngine
	name   string
}

func (d *httpDatabase) Name() string { return d.name }

func (d *httpDatabase) path() string {
	return "/databases/" + url.PathEscape(d.name)
}

func (d *httpDatabase) CreateTable(ctx context.Context, name string, schema []Column) (Table, error) {
	body := struct {
		Columns []Column `json:"columns"`
	}{Columns: schema}
	path := d.path() + "/tables/" + url.PathEscape(name)
	if err := d.engine.do(ctx, "create_table", http.MethodPost, path, body, nil); err != nil {
		return nil, err
	}
	return &httpTable{db: d, name: name}, nil
}

func (d *httpDatabase) GetTable(ctx context.Context, name string) (Table, error) {
	path := d.path() + "/tables/" + url.PathEscape(name)
	if err := d.engine.do(ctx, "get_table", http.MethodGet, path, nil, nil); err != nil {
		return nil, err
	}
	return &httpTable{db: d, name: name}, nil
}

type httpTable struct {
	db   *httpDatabase
	name string
}

func (t *httpTable) Name() string { return t.name }

func (t *httpTable) path() string {
	return t.db.path() + "/tables/" + url.PathEscape(t.name)
}

func (t *httpTable) CreateIndex(ctx context.Context, spec IndexSpec) error {
	path := t.path() + "/indexes/" + url.PathEscape(spec.Name)
	return t.db.engine.do(ctx, "create_index", http.MethodPost, path, spec, nil)
}

func (t *httpTable) Insert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	body := struct {
		Rows []Row `json:"rows"`
	}{Rows: rows}
	return t.db.engine.do(ctx, "insert", http.MethodPost, t.path()+"/rows", body, nil)
}

func (t *httpTable) Update(ctx context.Context, filter string, values Row) error {
	body := struct {
		Filter string `json:"filter"`
		Update Row    `json:"update"`
	}{Filter: filter, Update: values}
	return t.db.engine.do(ctx, "update", http.MethodPut, t.path()+"/rows", body, nil)
}

func (t *httpTable) Delete(ctx context.Context, filter string) error {
	body := struct {
		Filter string `json:"filter"`
	}{Filter: filter}
	return t.db.engine.do(ctx, "delete", http.MethodDelete, t.path()+"/rows", body, nil)
}

// rowsEnvelope is the engine's row result body.
type rowsEnvelope struct {
	Rows []Row `json:"rows"`
}

func (t *httpTable) Scan(ctx context.Context, q ScanQuery) ([]Row, error) {
	var resp rowsEnvelope
	if err := t.db.engine.do(ctx, "scan", http.MethodPost, t.path()+"/scan", q, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

func (t *httpTable) Search(ctx context.Context, q SearchQuery) ([]Row, error) {
	if q.Dense == nil && q.Text == nil {
		return nil, &Error{Kind: KindInvalid, Op: "search", Message: "query needs a dense or text clause"}
	}
	if q.Fusion != nil && (q.Dense == nil || q.Text == nil) {
		return nil, &Error{Kind: KindInvalid, Op: "search", Message: "fusion requires both clauses"}
	}
	var resp rowsEnvelope
	if err := t.db.engine.do(ctx, "search", http.MethodPost, t.path()+"/search", q, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// EscapeFilterString escapes a string literal for use in a filter predicate.
func EscapeFilterString(s string) string {
	out := make([]byte, 0, len(s)+2)
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// IDFilter builds the canonical memory_id point-lookup predicate.
func IDFilter(memoryID string) string {
	return fmt.Sprintf("memory_id = '%s'", EscapeFilterString(memoryID))
}

var _ Engine = (*HTTPEngine)(nil)
