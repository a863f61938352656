// Package ffmpeg starts and supervises the ffmpeg processes that pull
// upstream streams and repackage them as HLS output on local disk.
package ffmpeg

import (
	"fmt"
	"sort"
	"strings"
)

// PlaylistName is the HLS playlist filename ffmpeg writes in each stream's
// output directory. The runner watches for it to confirm the fetch is live.
const PlaylistName = "index.m3u8"

// CommandBuilder assembles the argument list for one upstream fetch.
type CommandBuilder struct {
	binary      string
	logLevel    string
	userAgent   string
	headers     map[string]string
	reconnect   bool
	input       string
	hlsTime     int
	hlsListSize int
	outputDir   string
}

// NewCommandBuilder creates a builder with the given ffmpeg binary path.
func NewCommandBuilder(binary string) *CommandBuilder {
	return &CommandBuilder{
		binary:      binary,
		logLevel:    "error",
		hlsTime:     2,
		hlsListSize: 6,
	}
}

// LogLevel sets ffmpeg's -loglevel.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	if level != "" {
		b.logLevel = level
	}
	return b
}

// UserAgent sets the outbound User-Agent. A User-Agent entry in Headers
// takes precedence.
func (b *CommandBuilder) UserAgent(ua string) *CommandBuilder {
	b.userAgent = ua
	return b
}

// Headers sets custom outbound HTTP headers, forwarded verbatim.
func (b *CommandBuilder) Headers(h map[string]string) *CommandBuilder {
	b.headers = h
	return b
}

// Reconnect enables ffmpeg's automatic reconnection on upstream drops.
func (b *CommandBuilder) Reconnect(enabled bool) *CommandBuilder {
	b.reconnect = enabled
	return b
}

// Input sets the upstream URL.
func (b *CommandBuilder) Input(url string) *CommandBuilder {
	b.input = url
	return b
}

// HLS configures the segment duration in seconds and the playlist window.
func (b *CommandBuilder) HLS(segmentSeconds, listSize int) *CommandBuilder {
	if segmentSeconds > 0 {
		b.hlsTime = segmentSeconds
	}
	if listSize > 0 {
		b.hlsListSize = listSize
	}
	return b
}

// OutputDir sets the directory the playlist and segments are written to.
func (b *CommandBuilder) OutputDir(dir string) *CommandBuilder {
	b.outputDir = dir
	return b
}

// headerBlock renders the custom headers as the CRLF-joined block ffmpeg's
// -headers option expects. Keys are sorted so the argument list is stable.
func (b *CommandBuilder) headerBlock() string {
	keys := make([]string, 0, len(b.headers))
	for k := range b.headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(b.headers[k])
		sb.WriteString("\r\n")
	}
	return sb.String()
}

// Build returns the full argument list, binary excluded.
func (b *CommandBuilder) Build() []string {
	args := []string{
		"-hide_banner",
		"-loglevel", b.logLevel,
		"-nostdin",
	}

	if b.reconnect {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
	}
	if b.userAgent != "" {
		if _, ok := b.headers["User-Agent"]; !ok {
			args = append(args, "-user_agent", b.userAgent)
		}
	}
	if len(b.headers) > 0 {
		args = append(args, "-headers", b.headerBlock())
	}

	args = append(args,
		"-i", b.input,
		"-c", "copy",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", b.hlsTime),
		"-hls_list_size", fmt.Sprintf("%d", b.hlsListSize),
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", b.outputDir+"/segment_%05d.ts",
		b.outputDir+"/"+PlaylistName,
	)
	return args
}
