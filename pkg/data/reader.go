package data

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

// Kind identifies the type of a read_data source
type Kind string

const (
	KindEnv     Kind = "env"
	KindHTTP    Kind = "http"
	KindCSV     Kind = "csv"
	KindJSON    Kind = "json"
	KindLiteral Kind = "literal"
)

const (
	envPrefix       = "ENV:"
	maxResponseSize = 32 << 20
	defaultTimeout  = 30 * time.Second
)

// Reader opens read_data sources relative to a project directory
type Reader struct {
	Root      string
	Client    *http.Client
	LookupEnv func(string) (string, bool)
}

// NewReader returns a Reader rooted at the project path
func NewReader(root string) *Reader {
	return &Reader{
		Root:      root,
		Client:    &http.Client{Timeout: defaultTimeout},
		LookupEnv: os.LookupEnv,
	}
}

// Classify reports how source will be read
func (r *Reader) Classify(source string) Kind {
	s := strings.TrimSpace(source)
	switch {
	case strings.HasPrefix(s, envPrefix):
		return KindEnv
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return KindHTTP
	case strings.HasPrefix(s, "["):
		return KindLiteral
	}
	switch strings.ToLower(filepath.Ext(s)) {
	case ".csv":
		return KindCSV
	case ".json":
		return KindJSON
	}
	return KindLiteral
}

// Open returns a lazy sequence over source. Nothing is read until the
// sequence is first iterated
func (r *Reader) Open(source string) (*Sequence, error) {
	s := strings.TrimSpace(source)
	if s == "" {
		return nil, core.ErrInvalidArgument.WithMessage("data source is empty")
	}

	switch r.Classify(s) {
	case KindEnv:
		name := strings.TrimSpace(strings.TrimPrefix(s, envPrefix))
		if name == "" {
			return nil, core.ErrInvalidArgument.WithMessagef("data source %q names no variable", s)
		}
		return NewSequence(s, func(context.Context) ([]any, error) {
			return r.readEnv(name)
		}), nil
	case KindHTTP:
		return NewSequence(s, func(ctx context.Context) ([]any, error) {
			return r.fetch(ctx, s)
		}), nil
	case KindCSV:
		return NewSequence(s, func(context.Context) ([]any, error) {
			b, err := r.readFile(s)
			if err != nil {
				return nil, err
			}
			return parseCSV(s, b)
		}), nil
	case KindJSON:
		return NewSequence(s, func(context.Context) ([]any, error) {
			b, err := r.readFile(s)
			if err != nil {
				return nil, err
			}
			return parseJSON(s, b)
		}), nil
	default:
		values, err := ParseLiteral(s)
		if err != nil {
			return nil, err
		}
		return Of(values...), nil
	}
}

// ParseLiteral parses an inline list: a JSON array, or comma separated
// values. A JSON array of arrays is read as a table with a header row
func ParseLiteral(s string) ([]any, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		return parseJSON("literal", []byte(s))
	}
	parts := strings.Split(s, ",")
	res := make([]any, 0, len(parts))
	for _, p := range parts {
		res = append(res, strings.TrimSpace(p))
	}
	return res, nil
}

func (r *Reader) resolve(path string) string {
	if filepath.IsAbs(path) || r.Root == "" {
		return path
	}
	return filepath.Join(r.Root, path)
}

func (r *Reader) readFile(path string) ([]byte, error) {
	full := r.resolve(path)
	b, err := os.ReadFile(full)
	if err != nil {
		return nil, core.ErrDataSource.WithCause(err).WithMessagef("cannot read %s", full)
	}
	return b, nil
}

func (r *Reader) readEnv(name string) ([]any, error) {
	lookup := r.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	raw, ok := lookup(name)
	if !ok {
		return nil, core.ErrDataSource.WithMessagef("environment variable %s is not set", name)
	}
	value := strings.TrimSpace(raw)
	src := envPrefix + name

	switch {
	case value == "":
		return []any{}, nil
	case strings.HasPrefix(value, "[") || strings.HasPrefix(value, "{"):
		return parseJSON(src, []byte(value))
	case strings.Contains(value, "\n"):
		return parseCSV(src, []byte(value))
	case strings.Contains(value, ","):
		return ParseLiteral(value)
	default:
		return []any{value}, nil
	}
}

func (r *Reader) fetch(ctx context.Context, url string) ([]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, core.ErrInvalidArgument.WithCause(err).WithMessagef("invalid data url %s", url)
	}
	req.Header.Set("Accept", "application/json, text/csv")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.TimeoutFromContext(ctx)
		}
		return nil, core.ErrDataSource.WithCause(err).WithMessagef("fetch %s", url)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, core.ErrDataSource.WithCause(err).WithMessagef("read %s", url)
	}
	if resp.StatusCode >= 400 {
		return nil, core.ErrDataSource.
			WithMessagef("fetch %s: HTTP %d", url, resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "csv") || strings.HasSuffix(strings.ToLower(req.URL.Path), ".csv") {
		return parseCSV(url, body)
	}
	return parseJSON(url, body)
}

// parseCSV reads a header row followed by records. Each record becomes a
// map from column name to string value
func parseCSV(src string, b []byte) ([]any, error) {
	rd := csv.NewReader(bytes.NewReader(b))
	rd.TrimLeadingSpace = true
	rd.FieldsPerRecord = -1

	records, err := rd.ReadAll()
	if err != nil {
		return nil, core.ErrDataSource.WithCause(err).WithMessagef("parse csv %s", src)
	}
	if len(records) == 0 {
		return []any{}, nil
	}
	return table(records[0], records[1:]), nil
}

// parseJSON reads an array, a single object or a scalar. Arrays of arrays
// are treated as a table whose first row is the header
func parseJSON(src string, b []byte) ([]any, error) {
	if !gjson.ValidBytes(b) {
		return nil, core.ErrDataSource.WithMessagef("parse json %s: invalid document", src)
	}
	doc := gjson.ParseBytes(b)
	if !doc.IsArray() {
		return []any{doc.Value()}, nil
	}

	items := doc.Array()
	if len(items) > 0 && allArrays(items) {
		header := stringsOf(items[0])
		rows := make([][]string, 0, len(items)-1)
		for _, it := range items[1:] {
			rows = append(rows, stringsOf(it))
		}
		return table(header, rows), nil
	}

	res := make([]any, len(items))
	for i, it := range items {
		res[i] = it.Value()
	}
	return res, nil
}

func allArrays(items []gjson.Result) bool {
	for _, it := range items {
		if !it.IsArray() {
			return false
		}
	}
	return true
}

func stringsOf(r gjson.Result) []string {
	arr := r.Array()
	res := make([]string, len(arr))
	for i, v := range arr {
		res[i] = v.String()
	}
	return res
}

func table(header []string, rows [][]string) []any {
	res := make([]any, 0, len(rows))
	for _, rec := range rows {
		row := make(map[string]any, len(header))
		for i, col := range header {
			col = strings.TrimSpace(col)
			if i < len(rec) {
				row[col] = rec[i]
			} else {
				row[col] = ""
			}
		}
		res = append(res, row)
	}
	return res
}
