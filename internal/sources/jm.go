package sources

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"strconv"
	"strings"
	"time"

	"github.com/noelle-silva/PicaComic/internal/fanout"
	"github.com/noelle-silva/PicaComic/internal/httpfetch"
)

// JMAdapter implements the jm pipeline: every API response arrives
// base64-encoded and AES-128-ECB encrypted under a time-derived key, and
// every image must be reassembled from N horizontal bands whose count is a
// deterministic function of (chapterId, pictureName, scrambleId). There is
// no ECB-mode or ad-hoc-band-reassembly library in the ecosystem for this,
// so both operations are built on crypto/aes + image/draw (see DESIGN.md).
type JMAdapter struct{}

const jmStaticKey = "18comicAPPContent"
const jmDefaultScrambleID = "220980"

func jmToken(ts, staticKey string) string {
	sum := md5.Sum([]byte(ts + staticKey))
	return hex.EncodeToString(sum[:])
}

func jmAESKey(ts, staticSecret string) []byte {
	sum := md5.Sum([]byte(ts + staticSecret))
	return sum[:]
}

// ecbDecrypt decrypts ciphertext with AES-128 in ECB mode (PKCS7-padded),
// block by block — Go's standard library deliberately omits ECB since it's
// unsafe for general use, but jm's API contract requires it.
func ecbDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%block.BlockSize() != 0 {
		return nil, &UpstreamError{Msg: "ciphertext is not a multiple of the block size"}
	}
	out := make([]byte, len(ciphertext))
	bs := block.BlockSize()
	for i := 0; i < len(ciphertext); i += bs {
		block.Decrypt(out[i:i+bs], ciphertext[i:i+bs])
	}
	return pkcs7Unpad(out)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return data, nil
	}
	return data[:len(data)-padLen], nil
}

// jmRightTrimToJSON trims everything after the last '}' or ']', per the
// protocol's "decrypted UTF-8 is right-trimmed" rule.
func jmRightTrimToJSON(s string) string {
	idx := strings.LastIndexAny(s, "}]")
	if idx < 0 {
		return s
	}
	return s[:idx+1]
}

func (a *JMAdapter) getJSON(rc *RunContext, apiBase, staticSecret, path string, out any) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	appVersion := rc.Auth.OptString("appVersion", "1.0.0")
	headers := map[string]string{
		"token":      jmToken(ts, jmStaticKey),
		"tokenparam": ts + "," + appVersion,
	}
	result, err := httpfetch.GetBytesWithRetry(rc.Ctx, rc.Client, apiBase+path, httpfetch.Options{
		Headers: headers,
		Timeout: 25 * time.Second,
		Retries: rc.Policy.FileRetries(string(JM)),
	}, rc.Stop)
	if err != nil {
		return err
	}

	raw := bytes.TrimSpace(result.Body)
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return &UpstreamError{Msg: "jm response is not valid base64: " + err.Error()}
	}
	plain, err := ecbDecrypt(jmAESKey(ts, staticSecret), decoded)
	if err != nil {
		return err
	}
	jsonStr := jmRightTrimToJSON(string(plain))
	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		return httpfetch.DecodeJSONError([]byte(jsonStr), err)
	}
	return nil
}

type jmAlbumResp struct {
	Name   string `json:"name"`
	Author string `json:"author"`
	Tags   string `json:"tags"`
	Series []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"series"`
}

type jmChapterResp struct {
	Images []string `json:"images"`
}

// jmSegmentCount computes N per §4.5.3.
func jmSegmentCount(chapterID int64, pictureName, scrambleID string) int {
	threshold, err := strconv.ParseInt(scrambleID, 10, 64)
	if err != nil {
		threshold, _ = strconv.ParseInt(jmDefaultScrambleID, 10, 64)
	}
	if chapterID < threshold {
		return 0
	}
	if chapterID < 268850 {
		return 10
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%d%s", chapterID, pictureName)))
	hexStr := hex.EncodeToString(sum[:])
	c := int(hexStr[len(hexStr)-1])
	if chapterID > 421926 {
		return (c%8)*2 + 2
	}
	return (c%10)*2 + 2
}

// jmDescramble reassembles img from N horizontal bands stacked in reverse
// order, per §4.5.3: split into N bands of height floor(H/N), residual
// H mod N appended to the last band, output bands in reverse.
func jmDescramble(img image.Image, n int) image.Image {
	if n <= 1 {
		return img
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	bandHeight := h / n
	if bandHeight == 0 {
		return img
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))

	type band struct {
		srcTop, height int
	}
	bands := make([]band, n)
	top := 0
	for i := 0; i < n; i++ {
		height := bandHeight
		if i == n-1 {
			height = h - top
		}
		bands[i] = band{srcTop: top, height: height}
		top += bandHeight
	}

	dstTop := 0
	for i := n - 1; i >= 0; i-- {
		b := bands[i]
		srcRect := image.Rect(bounds.Min.X, bounds.Min.Y+b.srcTop, bounds.Max.X, bounds.Min.Y+b.srcTop+b.height)
		dstRect := image.Rect(0, dstTop, w, dstTop+b.height)
		draw.Draw(out, dstRect, img, srcRect.Min, draw.Src)
		dstTop += b.height
	}
	return out
}

func (a *JMAdapter) Run(rc *RunContext) (*DownloadedComic, error) {
	apiBase, err := rc.Auth.RequireString("apiBaseUrl")
	if err != nil {
		return nil, err
	}
	imgBase, err := rc.Auth.RequireString("imgBaseUrl")
	if err != nil {
		return nil, err
	}
	if _, err := rc.Auth.RequireString("appVersion"); err != nil {
		return nil, err
	}
	staticSecret := rc.Auth.OptString("staticSecret", jmStaticKey)
	scrambleID := rc.Auth.OptString("scrambleId", jmDefaultScrambleID)

	digits, err := ExtractDigits(rc.Target)
	if err != nil {
		return nil, err
	}
	id := "jm" + digits
	albumID, _ := strconv.ParseInt(digits, 10, 64)

	var album jmAlbumResp
	if err := a.getJSON(rc, apiBase, staticSecret, "/album?id="+digits, &album); err != nil {
		return nil, err
	}
	if album.Name == "" {
		return nil, &UpstreamError{Msg: "missing album name in jm response"}
	}

	type chapterJob struct {
		epNo     int
		chapterID int64
	}
	var chapters []chapterJob
	if len(album.Series) == 0 {
		chapters = append(chapters, chapterJob{epNo: 1, chapterID: albumID})
	} else {
		for i, s := range album.Series {
			if !rc.Params.Selected(i) {
				continue
			}
			cid, _ := strconv.ParseInt(s.ID, 10, 64)
			chapters = append(chapters, chapterJob{epNo: i + 1, chapterID: cid})
		}
	}

	type pageJob struct {
		epNo       int
		pageNo     int
		pictureName string
		chapterID  int64
	}
	var pages []pageJob
	for _, ch := range chapters {
		if err := stopCheck(rc); err != nil {
			return nil, err
		}
		var chResp jmChapterResp
		if err := a.getJSON(rc, apiBase, staticSecret, fmt.Sprintf("/chapter?id=%d", ch.chapterID), &chResp); err != nil {
			return nil, err
		}
		for n, name := range chResp.Images {
			pages = append(pages, pageJob{epNo: ch.epNo, pageNo: n + 1, pictureName: name, chapterID: ch.chapterID})
		}
	}

	rc.Progress.SetTotal(int64(len(pages)))
	rc.Progress.EnsureAtLeast(int64(countExistingFiles(rc.WorkDir)))

	var jobs []pageJob
	for _, p := range pages {
		dst := pagePath(rc.WorkDir, p.epNo, p.pageNo, "jpg")
		if _, ok := existingFileSize(dst); ok {
			continue
		}
		jobs = append(jobs, p)
	}

	fnJobs := make([]fanout.Job, len(jobs))
	for idx := range jobs {
		p := jobs[idx]
		fnJobs[idx] = func(ctx context.Context) error {
			n := jmSegmentCount(p.chapterID, p.pictureName, scrambleID)
			url := strings.TrimRight(imgBase, "/") + fmt.Sprintf("/media/photos/%d/%s", p.chapterID, p.pictureName)

			result, err := httpfetch.GetBytesWithRetry(ctx, rc.Client, url, httpfetch.Options{
				Timeout: 5 * time.Minute,
				Retries: rc.Policy.FileRetries(string(JM)),
			}, rc.Stop)
			if err != nil {
				return err
			}
			if !strings.HasPrefix(result.ContentType, "image/") {
				return &UpstreamError{Msg: "jm image response is not image/*: " + result.ContentType}
			}
			img, _, err := image.Decode(bytes.NewReader(result.Body))
			if err != nil {
				return &UpstreamError{Msg: "failed to decode jm image: " + err.Error()}
			}
			descrambled := jmDescramble(img, n)

			dst := pagePath(rc.WorkDir, p.epNo, p.pageNo, "jpg")
			if err := ensureParentDir(dst); err != nil {
				return err
			}
			f, err := createFile(dst)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := jpeg.Encode(f, descrambled, &jpeg.Options{Quality: 92}); err != nil {
				return &UpstreamError{Msg: "failed to re-encode jm image: " + err.Error()}
			}
			rc.Progress.Advance(1)
			return nil
		}
	}

	if err := fanout.ForEachConcurrent(rc.Ctx, rc.Policy.FileConcurrent(string(JM)), fnJobs, rc.Stop); err != nil {
		return nil, err
	}
	rc.Progress.Flush()

	tags := strings.Fields(strings.ReplaceAll(album.Tags, ",", " "))
	metaJSON, _ := json.Marshal(album)

	return &DownloadedComic{
		ID:             id,
		Title:          album.Name,
		Subtitle:       album.Author,
		Type:           JM.Ordinal(),
		Tags:           tags,
		Directory:      SafeID(id),
		DownloadedJSON: metaJSON,
	}, nil
}
