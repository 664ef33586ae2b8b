// Package sources implements the six upstream download pipelines behind a
// single shared contract: Run consumes credentials, a target, optional
// params, a staging directory, a progress reporter and a stop token, and
// produces a DownloadedComic plus a populated staging layout. Grounded on
// the retrieval pack's manga-reader downloader module (per-site adapter
// dispatch via a DownloaderInterface) and on the teacher engine's
// newRequest/friendlyError conventions for building per-request headers and
// turning upstream failures into actionable messages.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/noelle-silva/PicaComic/internal/httpfetch"
	"github.com/noelle-silva/PicaComic/internal/policy"
	"github.com/noelle-silva/PicaComic/internal/progress"
	"github.com/noelle-silva/PicaComic/internal/stoptoken"
)

// Source is one of the six supported upstreams.
type Source string

const (
	Picacg  Source = "picacg"
	Ehentai Source = "ehentai"
	JM      Source = "jm"
	Hitomi  Source = "hitomi"
	Htmanga Source = "htmanga"
	Nhentai Source = "nhentai"
)

// All enumerates every supported source in a stable, display-friendly order.
var All = []Source{Picacg, Ehentai, JM, Hitomi, Htmanga, Nhentai}

// Valid reports whether s names one of the six supported sources.
func (s Source) Valid() bool {
	switch s {
	case Picacg, Ehentai, JM, Hitomi, Htmanga, Nhentai:
		return true
	}
	return false
}

// Ordinal returns the source's fixed 0..5 position, stored verbatim on
// DownloadedComic.Type per the data model.
func (s Source) Ordinal() int {
	for i, v := range All {
		if v == s {
			return i
		}
	}
	return -1
}

// DownloadedComic is the adapter-to-commit contract: what an adapter hands
// back after a successful Run.
type DownloadedComic struct {
	ID             string
	Title          string
	Subtitle       string
	Type           int
	Tags           []string
	Directory      string
	DownloadedJSON json.RawMessage
}

// ArgumentError marks a failure that retrying can never fix: bad target,
// missing auth key, invalid folder name. Never retried, surfaces as an
// immediate task failure.
type ArgumentError struct{ Msg string }

func (e *ArgumentError) Error() string { return e.Msg }

// UpstreamError marks a response that violates the adapter's expectations
// of the upstream protocol: non-JSON from a JSON endpoint, a missing
// required field, a descramble failure. Never retried.
type UpstreamError struct{ Msg string }

func (e *UpstreamError) Error() string { return e.Msg }

// Auth is the opaque, source-specific credential blob stored verbatim by
// the REST layer and handed to an adapter unparsed; each adapter pulls out
// the keys it needs.
type Auth map[string]any

// RequireString returns auth[key] as a string, or an ArgumentError naming
// the missing key.
func (a Auth) RequireString(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", &ArgumentError{Msg: "missing auth." + key}
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", &ArgumentError{Msg: "missing auth." + key}
	}
	return s, nil
}

// OptString returns auth[key] as a string, or def if absent/not a string.
func (a Auth) OptString(key, def string) string {
	v, ok := a[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return def
	}
	return s
}

// Params is the arbitrary per-task JSON object. "eps" is interpreted by
// every adapter that has a chapter/episode concept; "title"/"coverUrl" are
// operator-supplied overrides applied after a successful Run, for sources
// that can't scrape a usable title or cover on their own.
type Params struct {
	Eps      []int  `json:"eps,omitempty"`
	Title    string `json:"title,omitempty"`
	CoverURL string `json:"coverUrl,omitempty"`
}

// ParseParams decodes a task's raw params JSON, tolerating an empty/nil
// payload as "no selection".
func ParseParams(raw json.RawMessage) (Params, error) {
	var p Params
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &ArgumentError{Msg: "invalid params: " + err.Error()}
	}
	return p, nil
}

// Selected reports whether displayIndex (zero-based) should be included,
// per "empty or missing eps = all".
func (p Params) Selected(displayIndex int) bool {
	if len(p.Eps) == 0 {
		return true
	}
	for _, e := range p.Eps {
		if e == displayIndex {
			return true
		}
	}
	return false
}

// RunContext bundles everything an adapter needs that isn't adapter-local
// state: the shared per-task HTTP client (so Cancel can force-close it),
// the resolved file-concurrency ceiling and retry budget for this source,
// and the staging directory root.
type RunContext struct {
	Ctx        context.Context
	Client     *http.Client
	WorkDir    string
	Auth       Auth
	Target     string
	Params     Params
	Progress   *progress.Reporter
	Stop       *stoptoken.Token
	Policy     policy.Snapshot
	Source     Source
	UserAgent  string
	Governor   httpfetch.Governor
}

// Adapter is the shared per-source pipeline contract.
type Adapter interface {
	Run(rc *RunContext) (*DownloadedComic, error)
}

var digitsRe = regexp.MustCompile(`\d+`)

// ExtractDigits returns the leading run of digits found anywhere in s, used
// by jm/hitomi/htmanga/nhentai canonicalization when target may carry
// surrounding text.
func ExtractDigits(s string) (string, error) {
	m := digitsRe.FindString(s)
	if m == "" {
		return "", &ArgumentError{Msg: "target has no numeric id: " + s}
	}
	return m, nil
}

var gidRe = regexp.MustCompile(`/g/(\d+)/`)

// CanonicalID computes the library's primary key for (source, target),
// exactly per the table in §4.5.
func CanonicalID(source Source, target string) (string, error) {
	switch source {
	case Picacg:
		if strings.TrimSpace(target) == "" {
			return "", &ArgumentError{Msg: "empty target"}
		}
		return target, nil
	case JM:
		digits, err := ExtractDigits(target)
		if err != nil {
			return "", err
		}
		return "jm" + digits, nil
	case Hitomi:
		digits, err := ExtractDigits(target)
		if err != nil {
			return "", err
		}
		return "hitomi" + digits, nil
	case Htmanga:
		digits, err := ExtractDigits(target)
		if err != nil {
			return "", err
		}
		return "Ht" + digits, nil
	case Nhentai:
		digits, err := ExtractDigits(target)
		if err != nil {
			return "", err
		}
		return "nhentai" + digits, nil
	case Ehentai:
		m := gidRe.FindStringSubmatch(target)
		if m == nil {
			return "", &ArgumentError{Msg: "target is not a gallery url: " + target}
		}
		return m[1], nil
	default:
		return "", &ArgumentError{Msg: "unknown source: " + string(source)}
	}
}

// SafeID replaces every character not in [A-Za-z0-9._-] with '_', per §3.
func SafeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// stopCheck is a small convenience wrapper so adapters can poll between
// paginated fetches without importing stoptoken directly in every file.
func stopCheck(rc *RunContext) error {
	return stoptoken.Check(rc.Stop)
}

// NewAdapter resolves a Source to its Adapter implementation.
func NewAdapter(s Source) (Adapter, error) {
	switch s {
	case Picacg:
		return &PicacgAdapter{}, nil
	case Ehentai:
		return &EhentaiAdapter{}, nil
	case JM:
		return &JMAdapter{}, nil
	case Hitomi:
		return &HitomiAdapter{}, nil
	case Htmanga:
		return &HtmangaAdapter{}, nil
	case Nhentai:
		return &NhentaiAdapter{}, nil
	default:
		return nil, &ArgumentError{Msg: fmt.Sprintf("unknown source: %s", s)}
	}
}
