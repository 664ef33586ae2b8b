package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/noelle-silva/PicaComic/internal/fanout"
	"github.com/noelle-silva/PicaComic/internal/httpfetch"
)

// HitomiAdapter implements the hitomi pipeline: gallery metadata is a
// JS-prefixed JSON blob, and every image URL is derived at request time
// from a periodically-refreshed gg.js subdomain/path algorithm rather than
// being present verbatim in the gallery JSON. Grounded on §4.5.4's literal
// derivation rules; there is no third-party client for this upstream in
// the retrieval pack, so the derivation is implemented directly against
// httpfetch/fanout like the other adapters.
type HitomiAdapter struct{}

const hitomiBaseDomain = "gold-usergeneratedcontent.net"
const hitomiGGRefreshInterval = time.Minute

type hitomiFile struct {
	Hash   string `json:"hash"`
	Name   string `json:"name"`
	HasAVIF int   `json:"hasavif"`
	HasWebp int   `json:"haswebp"`
}

type hitomiGallery struct {
	ID    any    `json:"id"`
	Title string `json:"title"`
	Tags  []struct {
		Tag string `json:"tag"`
	} `json:"tags"`
	Files []hitomiFile `json:"files"`
}

type hitomiGG struct {
	mu         sync.Mutex
	fetchedAt  time.Time
	numbers    map[int]bool
	b          string
	initialG   int
}

var hitomiGGState = &hitomiGG{}

var hitomiCaseRe = regexp.MustCompile(`case\s+(\d+):`)
var hitomiBRe = regexp.MustCompile(`b:\s*['"]([^'"]+)['"]`)
var hitomiORe = regexp.MustCompile(`var\s+o\s*=\s*(-?\d+)`)

func (a *HitomiAdapter) refreshGG(rc *RunContext) error {
	hitomiGGState.mu.Lock()
	stale := time.Since(hitomiGGState.fetchedAt) >= hitomiGGRefreshInterval
	hitomiGGState.mu.Unlock()
	if !stale {
		return nil
	}

	result, err := httpfetch.GetBytesWithRetry(rc.Ctx, rc.Client, "https://ltn."+hitomiBaseDomain+"/gg.js", httpfetch.Options{
		Timeout: 25 * time.Second,
		Retries: rc.Policy.FileRetries(string(Hitomi)),
	}, rc.Stop)
	if err != nil {
		return err
	}
	body := string(result.Body)

	numbers := map[int]bool{}
	for _, m := range hitomiCaseRe.FindAllStringSubmatch(body, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			numbers[n] = true
		}
	}
	bMatch := hitomiBRe.FindStringSubmatch(body)
	b := ""
	if bMatch != nil {
		b = bMatch[1]
	}
	oMatch := hitomiORe.FindStringSubmatch(body)
	initialG := 0
	if oMatch != nil {
		initialG, _ = strconv.Atoi(oMatch[1])
	}

	hitomiGGState.mu.Lock()
	hitomiGGState.numbers = numbers
	hitomiGGState.b = b
	hitomiGGState.initialG = initialG
	hitomiGGState.fetchedAt = time.Now()
	hitomiGGState.mu.Unlock()
	return nil
}

// hitomiS computes s(hash): the decimal value of the hash's last two bytes
// reversed, read as hex.
func hitomiS(hash string) int {
	if len(hash) < 3 {
		return 0
	}
	last3 := hash[len(hash)-3:]
	reversed := string(last3[2]) + string(last3[0]) + string(last3[1])
	v, _ := strconv.ParseInt(reversed, 16, 64)
	return int(v)
}

// hitomiSLastTwo computes s() over just the reversed last two bytes (used
// for the subdomain letter derivation), per §4.5.4.
func hitomiSLastTwo(hash string) int {
	if len(hash) < 2 {
		return 0
	}
	last2 := hash[len(hash)-2:]
	reversed := string(last2[1]) + string(last2[0])
	v, _ := strconv.ParseInt(reversed, 16, 64)
	return int(v)
}

func (a *HitomiAdapter) mm(g int) int {
	hitomiGGState.mu.Lock()
	defer hitomiGGState.mu.Unlock()
	if hitomiGGState.numbers[g] {
		return ^hitomiGGState.initialG & 1
	}
	return hitomiGGState.initialG
}

func (a *HitomiAdapter) imageURL(hash, ext string) string {
	s := hitomiS(hash)
	hitomiGGState.mu.Lock()
	b := hitomiGGState.b
	hitomiGGState.mu.Unlock()

	g := hitomiSLastTwo(hash)
	letter := string(rune('a' + a.mm(g)))

	subdomain := letter
	if ext == "webp" {
		if a.mm(g) == 1 {
			subdomain = "w2"
		} else {
			subdomain = "w1"
		}
	}

	path := fmt.Sprintf("%s/%d/%s.%s", b, s, hash, ext)
	return fmt.Sprintf("https://%s.%s/%s", subdomain, hitomiBaseDomain, path)
}

// hitomiGalleryBlockImgRe pulls the first image reference out of a
// /galleryblock/{id}.html fragment, matching either a live src or a
// lazy-loaded data-src attribute.
var hitomiGalleryBlockImgRe = regexp.MustCompile(`<img[^>]+(?:data-src|src)=['"]([^'"]+)['"]`)

// fetchCoverURL implements §4.5.4's cover rule: a dedicated fetch of
// /galleryblock/{id}.html, not a derived thumbnail of page 1.
func (a *HitomiAdapter) fetchCoverURL(rc *RunContext, digits string) (string, error) {
	url := fmt.Sprintf("https://ltn.%s/galleryblock/%s.html", hitomiBaseDomain, digits)
	result, err := httpfetch.GetBytesWithRetry(rc.Ctx, rc.Client, url, httpfetch.Options{
		Timeout: 25 * time.Second,
		Retries: rc.Policy.FileRetries(string(Hitomi)),
	}, rc.Stop)
	if err != nil {
		return "", err
	}

	m := hitomiGalleryBlockImgRe.FindStringSubmatch(string(result.Body))
	if m == nil {
		return "", &UpstreamError{Msg: "galleryblock html has no cover image"}
	}
	src := m[1]
	if strings.HasPrefix(src, "//") {
		src = "https:" + src
	}
	return src, nil
}

func (a *HitomiAdapter) Run(rc *RunContext) (*DownloadedComic, error) {
	digits, err := ExtractDigits(rc.Target)
	if err != nil {
		return nil, err
	}
	id := "hitomi" + digits

	result, err := httpfetch.GetBytesWithRetry(rc.Ctx, rc.Client, fmt.Sprintf("https://ltn.%s/galleries/%s.js", hitomiBaseDomain, digits), httpfetch.Options{
		Timeout: 25 * time.Second,
		Retries: rc.Policy.FileRetries(string(Hitomi)),
	}, rc.Stop)
	if err != nil {
		return nil, err
	}
	body := string(result.Body)
	idx := strings.Index(body, "{")
	if idx < 0 {
		return nil, &UpstreamError{Msg: "gallery js missing json body"}
	}

	var gallery hitomiGallery
	if err := json.Unmarshal([]byte(body[idx:]), &gallery); err != nil {
		return nil, httpfetch.DecodeJSONError([]byte(body[idx:]), err)
	}
	if gallery.Title == "" {
		return nil, &UpstreamError{Msg: "missing title in gallery json"}
	}
	if err := a.refreshGG(rc); err != nil {
		return nil, err
	}

	var tags []string
	for _, t := range gallery.Tags {
		tags = append(tags, t.Tag)
	}

	var files []hitomiFile
	for i, f := range gallery.Files {
		if !rc.Params.Selected(i) {
			continue
		}
		files = append(files, f)
	}

	grandTotal := int64(len(files)) + 1
	rc.Progress.SetTotal(grandTotal)
	rc.Progress.EnsureAtLeast(int64(countExistingFiles(rc.WorkDir)))

	type job struct {
		pageNo   int
		file     hitomiFile
		isCover  bool
		coverURL string
	}
	var jobs []job
	if _, ok := existingFileSize(coverPath(rc.WorkDir)); !ok {
		coverURL, err := a.fetchCoverURL(rc, digits)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job{isCover: true, coverURL: coverURL})
	}
	for i, f := range files {
		n := i + 1
		if _, ok := existingFileSize(pagePath(rc.WorkDir, 0, n, origExt(f.Name))); ok {
			continue
		}
		jobs = append(jobs, job{pageNo: n, file: f})
	}

	fnJobs := make([]fanout.Job, len(jobs))
	for idx := range jobs {
		j := jobs[idx]
		fnJobs[idx] = func(ctx context.Context) error {
			if j.isCover {
				dst := coverPath(rc.WorkDir)
				if err := ensureParentDir(dst); err != nil {
					return err
				}
				if err := httpfetch.DownloadToFile(ctx, rc.Client, j.coverURL, dst, httpfetch.Options{
					Timeout:  2 * time.Minute,
					Retries:  rc.Policy.FileRetries(string(Hitomi)),
					Governor: rc.Governor,
				}, rc.Stop); err != nil {
					return err
				}
				rc.Progress.Advance(1)
				return nil
			}

			webpURL := a.imageURL(j.file.Hash, "webp")
			fallbackURL := a.imageURL(j.file.Hash, origExt(j.file.Name))

			dst := pagePath(rc.WorkDir, 0, j.pageNo, "webp")
			if err := ensureParentDir(dst); err != nil {
				return err
			}

			err := httpfetch.DownloadToFile(ctx, rc.Client, webpURL, dst, httpfetch.Options{
				Timeout:  5 * time.Minute,
				Retries:  0,
				Governor: rc.Governor,
			}, rc.Stop)
			if err != nil {
				dst = pagePath(rc.WorkDir, 0, j.pageNo, origExt(j.file.Name))
				if err := httpfetch.DownloadToFile(ctx, rc.Client, fallbackURL, dst, httpfetch.Options{
					Timeout:  5 * time.Minute,
					Retries:  rc.Policy.FileRetries(string(Hitomi)),
					Governor: rc.Governor,
				}, rc.Stop); err != nil {
					return err
				}
			}
			rc.Progress.Advance(1)
			return nil
		}
	}

	if err := fanout.ForEachConcurrent(rc.Ctx, rc.Policy.FileConcurrent(string(Hitomi)), fnJobs, rc.Stop); err != nil {
		return nil, err
	}
	rc.Progress.Flush()

	metaJSON, _ := json.Marshal(gallery)

	return &DownloadedComic{
		ID:             id,
		Title:          gallery.Title,
		Type:           Hitomi.Ordinal(),
		Tags:           tags,
		Directory:      SafeID(id),
		DownloadedJSON: metaJSON,
	}, nil
}

func origExt(name string) string {
	ext := extFromURL(name)
	if ext == "" {
		return "jpg"
	}
	return ext
}
