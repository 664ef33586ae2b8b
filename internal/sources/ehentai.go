package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/noelle-silva/PicaComic/internal/fanout"
	"github.com/noelle-silva/PicaComic/internal/httpfetch"
)

// EhentaiAdapter scrapes an e-hentai-style gallery page: HTML taxonomy for
// metadata, a walk over thumbnail pages for reader-page URLs, then a
// parallel fetch of each reader page to recover the full-size image src.
// Grounded on the retrieval pack's goquery-based scraping usage, with the
// 509 image-limit guard and cookie auth lifted from §4.5.2.
type EhentaiAdapter struct{}

const ehentaiPerPage = 40

func (a *EhentaiAdapter) fetchDoc(rc *RunContext, uri, cookie string) (*goquery.Document, []byte, error) {
	result, err := httpfetch.GetBytesWithRetry(rc.Ctx, rc.Client, uri, httpfetch.Options{
		Headers: map[string]string{"Cookie": cookie},
		Timeout: 25 * time.Second,
		Retries: rc.Policy.FileRetries(string(Ehentai)),
	}, rc.Stop)
	if err != nil {
		return nil, nil, err
	}
	if strings.Contains(string(result.Body), "509.gif") {
		return nil, nil, &UpstreamError{Msg: "image limit exceeded"}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(result.Body)))
	if err != nil {
		return nil, nil, &UpstreamError{Msg: "failed to parse gallery html: " + err.Error()}
	}
	return doc, result.Body, nil
}

func (a *EhentaiAdapter) Run(rc *RunContext) (*DownloadedComic, error) {
	cookie, err := rc.Auth.RequireString("cookie")
	if err != nil {
		return nil, err
	}

	id, err := CanonicalID(Ehentai, rc.Target)
	if err != nil {
		return nil, err
	}

	doc, _, err := a.fetchDoc(rc, rc.Target, cookie)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(doc.Find("#gn").First().Text())
	subtitle := strings.TrimSpace(doc.Find("#gj").First().Text())
	if title == "" {
		return nil, &UpstreamError{Msg: "missing #gn title in gallery page"}
	}

	var tags []string
	doc.Find(".gt, .gtl").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			tags = append(tags, t)
		}
	})

	coverURL, _ := doc.Find("#gd1 img").Attr("src")

	pageCountText := strings.TrimSpace(doc.Find(".gpc").First().Text())
	total := parseEhentaiPageCount(pageCountText)
	thumbPages := 1
	if total > 0 {
		thumbPages = int(math.Ceil(float64(total) / float64(ehentaiPerPage)))
	}

	var readerURLs []string
	for p := 0; p < thumbPages; p++ {
		pageURL := rc.Target
		if p > 0 {
			sep := "?"
			if strings.Contains(rc.Target, "?") {
				sep = "&"
			}
			pageURL = fmt.Sprintf("%s%sp=%d", rc.Target, sep, p)
		}
		if err := stopCheck(rc); err != nil {
			return nil, err
		}
		pageDoc, body, err := a.fetchDoc(rc, pageURL, cookie)
		if err != nil {
			return nil, err
		}
		_ = body
		pageDoc.Find(".gdtm a, .gdtl a").Each(func(_ int, s *goquery.Selection) {
			if href, ok := s.Attr("href"); ok {
				readerURLs = append(readerURLs, href)
			}
		})
	}
	if len(readerURLs) == 0 {
		return nil, &UpstreamError{Msg: "no reader pages found"}
	}

	grandTotal := int64(len(readerURLs))
	if coverURL != "" {
		grandTotal++
	}
	rc.Progress.SetTotal(grandTotal)
	rc.Progress.EnsureAtLeast(int64(countExistingFiles(rc.WorkDir)))

	type job struct {
		pageNo int
		url    string
		isCover bool
	}
	var jobs []job
	if coverURL != "" {
		if _, ok := existingFileSize(coverPath(rc.WorkDir)); !ok {
			jobs = append(jobs, job{isCover: true, url: coverURL})
		}
	}
	for i, readerURL := range readerURLs {
		n := i + 1
		if _, ok := existingFileSize(pagePath(rc.WorkDir, 0, n, "jpg")); ok {
			continue
		}
		jobs = append(jobs, job{pageNo: n, url: readerURL})
	}

	fnJobs := make([]fanout.Job, len(jobs))
	for idx := range jobs {
		j := jobs[idx]
		fnJobs[idx] = func(ctx context.Context) error {
			var dst string
			if j.isCover {
				dst = coverPath(rc.WorkDir)
				if err := ensureParentDir(dst); err != nil {
					return err
				}
				if err := httpfetch.DownloadToFile(ctx, rc.Client, j.url, dst, httpfetch.Options{
					Timeout:  5 * time.Minute,
					Retries:  rc.Policy.FileRetries(string(Ehentai)),
					Headers:  map[string]string{"Cookie": cookie},
					Governor: rc.Governor,
				}, rc.Stop); err != nil {
					return err
				}
				rc.Progress.Advance(1)
				return nil
			}

			readerDoc, readerBody, err := a.fetchDoc(rc, j.url, cookie)
			if err != nil {
				return err
			}
			_ = readerBody
			imgURL, ok := readerDoc.Find("#i3 > a > img").Attr("src")
			if !ok || imgURL == "" {
				return &UpstreamError{Msg: "missing #i3 > a > img on reader page"}
			}
			dst = pagePath(rc.WorkDir, 0, j.pageNo, extFromURL(imgURL))
			if err := ensureParentDir(dst); err != nil {
				return err
			}
			if err := httpfetch.DownloadToFile(ctx, rc.Client, imgURL, dst, httpfetch.Options{
				Timeout:  5 * time.Minute,
				Retries:  rc.Policy.FileRetries(string(Ehentai)),
				Headers:  map[string]string{"Cookie": cookie},
				Governor: rc.Governor,
			}, rc.Stop); err != nil {
				return err
			}
			rc.Progress.Advance(1)
			return nil
		}
	}

	if err := fanout.ForEachConcurrent(rc.Ctx, rc.Policy.FileConcurrent(string(Ehentai)), fnJobs, rc.Stop); err != nil {
		return nil, err
	}
	rc.Progress.Flush()

	metaJSON, _ := json.Marshal(map[string]any{"title": title, "subtitle": subtitle, "tags": tags, "url": rc.Target})

	return &DownloadedComic{
		ID:             id,
		Title:          title,
		Subtitle:       subtitle,
		Type:           Ehentai.Ordinal(),
		Tags:           tags,
		Directory:      SafeID(id),
		DownloadedJSON: metaJSON,
	}, nil
}

func parseEhentaiPageCount(s string) int {
	fields := strings.Fields(s)
	for _, f := range fields {
		if n, err := strconv.Atoi(strings.TrimSuffix(f, "s")); err == nil {
			return n
		}
	}
	return 0
}
