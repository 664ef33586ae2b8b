package sources

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/noelle-silva/PicaComic/internal/fanout"
	"github.com/noelle-silva/PicaComic/internal/httpfetch"
)

// HtmangaAdapter scrapes a two-page-template upstream: an index page for
// metadata and a gallery page for image URLs, filtered to the two known
// image-host substrings per §4.5.5. Grounded on the same goquery usage as
// EhentaiAdapter, since both are HTML-scraping pipelines of the same shape.
type HtmangaAdapter struct{}

func (a *HtmangaAdapter) fetch(rc *RunContext, baseURL, cookie, path string) (*goquery.Document, error) {
	headers := map[string]string{}
	if cookie != "" {
		headers["Cookie"] = cookie
	}
	result, err := httpfetch.GetBytesWithRetry(rc.Ctx, rc.Client, strings.TrimRight(baseURL, "/")+"/"+path, httpfetch.Options{
		Headers: headers,
		Timeout: 25 * time.Second,
		Retries: rc.Policy.FileRetries(string(Htmanga)),
	}, rc.Stop)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(result.Body)))
	if err != nil {
		return nil, &UpstreamError{Msg: "failed to parse html: " + err.Error()}
	}
	return doc, nil
}

func (a *HtmangaAdapter) Run(rc *RunContext) (*DownloadedComic, error) {
	baseURL, err := rc.Auth.RequireString("baseUrl")
	if err != nil {
		return nil, err
	}
	cookie := rc.Auth.OptString("cookie", "")

	digits, err := ExtractDigits(rc.Target)
	if err != nil {
		return nil, err
	}
	id := "Ht" + digits

	indexDoc, err := a.fetch(rc, baseURL, cookie, "photos-index-page-1-aid-"+digits+".html")
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(indexDoc.Find("h1").First().Text())
	if title == "" {
		return nil, &UpstreamError{Msg: "missing title on index page"}
	}
	var tags []string
	indexDoc.Find(".tag, .tags a").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			tags = append(tags, t)
		}
	})

	galleryDoc, err := a.fetch(rc, baseURL, cookie, "photos-gallery-aid-"+digits+".html")
	if err != nil {
		return nil, err
	}

	var imageURLs []string
	galleryDoc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok {
			return
		}
		if strings.HasSuffix(src, ".js") || strings.HasSuffix(src, ".css") {
			return
		}
		if strings.Contains(src, "/data/") || strings.Contains(src, "wnimg") {
			imageURLs = append(imageURLs, src)
		}
	})
	if len(imageURLs) == 0 {
		return nil, &UpstreamError{Msg: "no gallery images found"}
	}

	rc.Progress.SetTotal(int64(len(imageURLs)))
	rc.Progress.EnsureAtLeast(int64(countExistingFiles(rc.WorkDir)))

	type job struct {
		pageNo int
		url    string
	}
	var jobs []job
	for i, u := range imageURLs {
		n := i + 1
		if _, ok := existingFileSize(pagePath(rc.WorkDir, 0, n, extFromURL(u))); ok {
			continue
		}
		jobs = append(jobs, job{pageNo: n, url: u})
	}

	fnJobs := make([]fanout.Job, len(jobs))
	for idx := range jobs {
		j := jobs[idx]
		fnJobs[idx] = func(ctx context.Context) error {
			dst := pagePath(rc.WorkDir, 0, j.pageNo, extFromURL(j.url))
			if err := ensureParentDir(dst); err != nil {
				return err
			}
			headers := map[string]string{}
			if cookie != "" {
				headers["Cookie"] = cookie
			}
			if err := httpfetch.DownloadToFile(ctx, rc.Client, j.url, dst, httpfetch.Options{
				Timeout:  5 * time.Minute,
				Retries:  rc.Policy.FileRetries(string(Htmanga)),
				Headers:  headers,
				Governor: rc.Governor,
			}, rc.Stop); err != nil {
				return err
			}
			rc.Progress.Advance(1)
			return nil
		}
	}

	if err := fanout.ForEachConcurrent(rc.Ctx, rc.Policy.FileConcurrent(string(Htmanga)), fnJobs, rc.Stop); err != nil {
		return nil, err
	}
	rc.Progress.Flush()

	metaJSON, _ := json.Marshal(map[string]any{"title": title, "tags": tags, "aid": digits})

	return &DownloadedComic{
		ID:             id,
		Title:          title,
		Type:           Htmanga.Ordinal(),
		Tags:           tags,
		Directory:      SafeID(id),
		DownloadedJSON: metaJSON,
	}, nil
}
