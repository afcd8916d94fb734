package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"taskrelay/internal/domain"
	"taskrelay/internal/fetch"
)

const (
	// DefaultDatasetURL is used when the brief names no companyconcept dataset.
	DefaultDatasetURL = "https://data.sec.gov/api/xbrl/companyconcept/CIK0000842023/dei/EntityCommonStockSharesOutstanding.json"
	// YearThreshold is compared against fy as a string; only later years count.
	YearThreshold = "2020"

	datasetConcept = "EntityCommonStockSharesOutstanding.json"
	DataFile       = "data.json"
	IndexFile      = "index.html"
)

// ShareVolumeRule reduces an SEC shares-outstanding series to its extrema
// and renders data.json plus a viewer page.
type ShareVolumeRule struct {
	Fetcher fetch.Fetcher
	Files   Files
	Log     *zap.Logger
}

func (r *ShareVolumeRule) Name() string { return "share-volume" }

func (r *ShareVolumeRule) logger() *zap.Logger {
	if r.Log != nil {
		return r.Log
	}
	return zap.NewNop()
}

func (r *ShareVolumeRule) Apply(ctx context.Context, task domain.Task) (Outcome, error) {
	target := SelectDatasetURL(ExtractURLs(task.Brief))
	res, err := r.Fetcher.Get(ctx, target, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("share volume: %w", err)
	}
	result, err := ComputeExtrema(res.Bytes())
	if err != nil {
		return Outcome{}, err
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return Outcome{}, err
	}
	if err := r.Files.WriteFile(DataFile, data); err != nil {
		return Outcome{}, err
	}
	page, err := RenderShareVolumePage(result, target)
	if err != nil {
		return Outcome{}, err
	}
	if err := r.Files.WriteFile(IndexFile, page); err != nil {
		return Outcome{}, err
	}
	r.logger().Info("share volume extrema",
		zap.String("entity", result.EntityName),
		zap.String("max_fy", result.Max.FY),
		zap.String("min_fy", result.Min.FY))
	return Outcome{
		Created:   []string{DataFile, IndexFile},
		Saved:     []string{target},
		Extrema:   &result,
		TargetURL: target,
	}, nil
}

// SelectDatasetURL prefers a companyconcept URL, then any data.sec.gov URL
// for the concept, then the default dataset.
func SelectDatasetURL(urls []string) string {
	for _, u := range urls {
		if strings.Contains(u, "/companyconcept/") && strings.Contains(u, datasetConcept) {
			return u
		}
	}
	for _, u := range urls {
		if strings.Contains(u, "data.sec.gov") && strings.Contains(u, datasetConcept) {
			return u
		}
	}
	return DefaultDatasetURL
}

type dataset struct {
	EntityName    any `json:"entityName"`
	DeiEntityName any `json:"deiEntityName"`
	Units         struct {
		Shares []json.RawMessage `json:"shares"`
	} `json:"units"`
}

type rawEntry struct {
	FY  json.RawMessage `json:"fy"`
	Val json.RawMessage `json:"val"`
}

// ComputeExtrema parses a companyconcept document and reduces its share
// entries after fy YearThreshold to the maximum and minimum values.
func ComputeExtrema(raw []byte) (domain.ExtremaResult, error) {
	var doc dataset
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.ExtremaResult{}, fmt.Errorf("%w: share volume dataset is not valid JSON: %v", ErrParse, err)
	}
	entries := FilterEntries(doc.Units.Shares)
	if len(entries) == 0 {
		return domain.ExtremaResult{}, fmt.Errorf("%w: no entries after filtering fy>%q with numeric val", ErrEmptyResult, YearThreshold)
	}
	hi, lo := Extrema(entries)
	return domain.ExtremaResult{
		EntityName: entityName(doc),
		Max:        hi,
		Min:        lo,
	}, nil
}

func entityName(doc dataset) string {
	for _, v := range []any{doc.EntityName, doc.DeiEntityName} {
		if s := scalarString(v); s != "" {
			return s
		}
	}
	return "Unknown"
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

// FilterEntries keeps entries with a non-empty fy greater than
// YearThreshold and a finite numeric val, in input order.
func FilterEntries(raw []json.RawMessage) []domain.ExtractedEntry {
	var out []domain.ExtractedEntry
	for _, item := range raw {
		var e rawEntry
		if err := json.Unmarshal(item, &e); err != nil {
			continue
		}
		fy, ok := fyString(e.FY)
		if !ok || fy <= YearThreshold {
			continue
		}
		val, ok := numericValue(e.Val)
		if !ok {
			continue
		}
		out = append(out, domain.ExtractedEntry{FY: fy, Val: val})
	}
	return out
}

func fyString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return "", false
		}
		return s, true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", false
		}
		return n.String(), true
	}
	return "", false
}

func numericValue(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var text string
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, false
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return 0, false
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		text = string(raw)
	default:
		return 0, false
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Extrema returns the maximum and minimum entries by value. On ties the
// earliest entry wins. entries must be non-empty.
func Extrema(entries []domain.ExtractedEntry) (hi, lo domain.ExtractedEntry) {
	hi, lo = entries[0], entries[0]
	for _, e := range entries[1:] {
		if e.Val > hi.Val {
			hi = e
		}
		if e.Val < lo.Val {
			lo = e
		}
	}
	return hi, lo
}

var shareVolumeTemplate = template.Must(template.New("share-volume").Funcs(template.FuncMap{
	"num": func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) },
}).Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>{{.Result.EntityName}} - Share Volume</title>
  <meta name="viewport" content="width=device-width,initial-scale=1">
  <style>
    body { font-family: system-ui, -apple-system, "Segoe UI", Roboto, Arial; padding: 28px; background:#f5f8fb; color:#111; }
    .card{background:white;padding:20px;border-radius:10px; box-shadow:0 6px 20px rgba(15,20,30,0.08); max-width:720px;}
    h1{margin:0 0 12px; font-size:26px}
    .row{display:flex; gap:16px; margin-top:12px}
    .stat{flex:1; padding:12px; border-radius:8px; background:#f7fafc}
    .label{font-size:12px;color:#666}
    .value{font-weight:700;font-size:18px;margin-top:6px}
  </style>
</head>
<body>
  <div class="card">
    <h1 id="share-entity-name">{{.Result.EntityName}}</h1>
    <div class="row">
      <div class="stat">
        <div class="label">Max Value</div>
        <div class="value" id="share-max-value">{{num .Result.Max.Val}}</div>
        <div class="label">FY</div>
        <div id="share-max-fy">{{.Result.Max.FY}}</div>
      </div>
      <div class="stat">
        <div class="label">Min Value</div>
        <div class="value" id="share-min-value">{{num .Result.Min.Val}}</div>
        <div class="label">FY</div>
        <div id="share-min-fy">{{.Result.Min.FY}}</div>
      </div>
    </div>
    <p style="margin-top:14px;color:#444">Data fetched from <code>{{.TargetURL}}</code>. Change CIK with <code>?CIK=0001018724</code> to load other companies (uses client-side fetch).</p>
  </div>

  <script>
    const threshold = {{.Threshold}};

    async function loadForCIK(cik) {
      if (!/^\d{1,10}$/.test(cik)) return;
      const url = 'https://data.sec.gov/api/xbrl/companyconcept/CIK' + cik.padStart(10, '0') + '/dei/EntityCommonStockSharesOutstanding.json';
      const res = await fetch(url);
      if (!res.ok) return;
      const json = await res.json();
      const entityName = json.entityName || 'Unknown';
      const shares = (json.units && json.units.shares) || [];
      const entries = shares
        .filter(s => s && s.fy !== undefined && s.fy !== null && String(s.fy) !== '' && String(s.fy) > threshold)
        .filter(s => s.val !== undefined && s.val !== null && String(s.val).trim() !== '' && isFinite(Number(s.val)))
        .map(s => ({ fy: String(s.fy), val: Number(s.val) }));
      if (!entries.length) return;
      let max = entries[0], min = entries[0];
      for (const e of entries) {
        if (e.val > max.val) max = e;
        if (e.val < min.val) min = e;
      }
      document.title = entityName + ' - Share Volume';
      document.getElementById('share-entity-name').textContent = entityName;
      document.getElementById('share-max-value').textContent = max.val;
      document.getElementById('share-max-fy').textContent = max.fy;
      document.getElementById('share-min-value').textContent = min.val;
      document.getElementById('share-min-fy').textContent = min.fy;
    }

    (function () {
      const cik = new URLSearchParams(location.search).get('CIK');
      if (cik) loadForCIK(cik);
    })();
  </script>
</body>
</html>
`))

// RenderShareVolumePage renders the self-contained viewer for result.
func RenderShareVolumePage(result domain.ExtremaResult, targetURL string) ([]byte, error) {
	var buf bytes.Buffer
	err := shareVolumeTemplate.Execute(&buf, struct {
		Result    domain.ExtremaResult
		TargetURL string
		Threshold string
	}{result, targetURL, YearThreshold})
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", IndexFile, err)
	}
	return buf.Bytes(), nil
}
