// Package diagnostics implements the on-demand upstream connectivity probe
// (C15): a one-shot nearest-server ping/download/upload test that lets an
// operator tell "my library is slow" apart from "the source is down". It
// never feeds back into Policy or the scheduler automatically. Grounded on
// the teacher's richer internal/network/speedtest.go RunSpeedTestWithEvents,
// not the plainer internal/core/network.go variant, so the handler can log
// each phase as it completes instead of blocking silently for up to 30s.
package diagnostics

import (
	"context"
	"fmt"
	"time"

	"github.com/showwin/speedtest-go/speedtest"
)

// SpeedTestResult is the payload for GET /api/v1/diagnostics/speedtest.
type SpeedTestResult struct {
	DownloadMbps   float64   `json:"downloadMbps"`
	UploadMbps     float64   `json:"uploadMbps"`
	PingMs         int64     `json:"pingMs"`
	JitterMs       int64     `json:"jitterMs"`
	ServerName     string    `json:"server"`
	ServerHost     string    `json:"serverHost"`
	ServerLocation string    `json:"serverLocation"`
	ISP            string    `json:"isp"`
	Timestamp      time.Time `json:"timestamp"`
}

// Phase is one step of a speed test in progress, reported through a
// PhaseCallback as each leg of the probe completes.
type Phase struct {
	Name         string // "connecting", "ping", "download", "upload", "complete"
	PingMs       int64
	DownloadMbps float64
	UploadMbps   float64
	ServerName   string
	ISP          string
}

// PhaseCallback is invoked synchronously from RunSpeedTestWithPhases as each
// phase finishes; it must return quickly since it runs on the probing
// goroutine.
type PhaseCallback func(Phase)

// RunSpeedTest performs a speed test with no phase reporting.
func RunSpeedTest() (*SpeedTestResult, error) {
	return RunSpeedTestWithPhases(nil)
}

// RunSpeedTestWithPhases performs a network speed test using the nearest
// available server, bounded to 30 seconds total, calling onPhase after each
// leg completes so a caller can surface progress instead of blocking
// silently.
func RunSpeedTestWithPhases(onPhase PhaseCallback) (*SpeedTestResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	emit := func(p Phase) {
		if onPhase != nil {
			onPhase(p)
		}
	}

	emit(Phase{Name: "connecting"})

	user, err := speedtest.FetchUserInfo()
	if err != nil {
		return nil, fmt.Errorf("no internet connection: %w", err)
	}

	serverList, err := speedtest.FetchServers()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch servers: %w", err)
	}

	targets, err := serverList.FindServer([]int{})
	if err != nil || len(targets) == 0 {
		return nil, fmt.Errorf("no speed test servers available")
	}
	server := targets[0]

	emit(Phase{Name: "ping", ServerName: server.Name, ISP: user.Isp})

	if err := server.PingTestContext(ctx, nil); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("speed test timed out")
		}
		return nil, fmt.Errorf("ping test failed: %w", err)
	}
	pingMs := int64(server.Latency.Milliseconds())

	emit(Phase{Name: "download", PingMs: pingMs, ServerName: server.Name, ISP: user.Isp})

	if err := server.DownloadTestContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("speed test timed out during download")
		}
		return nil, fmt.Errorf("download test failed: %w", err)
	}
	downloadMbps := float64(server.DLSpeed) / 1000 / 1000 * 8

	emit(Phase{Name: "upload", PingMs: pingMs, DownloadMbps: downloadMbps, ServerName: server.Name, ISP: user.Isp})

	if err := server.UploadTestContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("speed test timed out during upload")
		}
		return nil, fmt.Errorf("upload test failed: %w", err)
	}
	uploadMbps := float64(server.ULSpeed) / 1000 / 1000 * 8

	result := &SpeedTestResult{
		DownloadMbps:   downloadMbps,
		UploadMbps:     uploadMbps,
		PingMs:         pingMs,
		JitterMs:       int64(server.Jitter.Milliseconds()),
		ServerName:     server.Name,
		ServerHost:     server.Host,
		ServerLocation: fmt.Sprintf("%s, %s", server.Name, server.Country),
		ISP:            user.Isp,
		Timestamp:      time.Now(),
	}

	emit(Phase{Name: "complete", PingMs: pingMs, DownloadMbps: downloadMbps, UploadMbps: uploadMbps, ServerName: server.Name, ISP: user.Isp})

	return result, nil
}
