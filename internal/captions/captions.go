// Package captions republishes a parsed document as canonical WebVTT and as
// an HLS subtitle media playlist of fixed-length WebVTT chunks.
package captions

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/cuesync/internal/parser"
	"github.com/agleyzer/cuesync/internal/segment"
	"github.com/agleyzer/cuesync/internal/timecode"
)

// DefaultChunkDuration is the default subtitle chunk length.
const DefaultChunkDuration = 60 * time.Second

// MaxChunks bounds the number of windows Split produces.
const MaxChunks = 10000

// ErrTooManyChunks is returned by Split when the timeline needs more than
// MaxChunks windows.
var ErrTooManyChunks = errors.New("caption timeline has too many chunks")

// timestampMap anchors chunk cue times to the start of the media timeline.
const timestampMap = "X-TIMESTAMP-MAP=MPEGTS:0,LOCAL:00:00:00.000"

// Chunk is one window of the caption timeline and the segments overlapping it.
type Chunk struct {
	Index    int
	Start    float64
	End      float64
	Segments []int
}

// Duration returns the chunk length in seconds.
func (c Chunk) Duration() float64 {
	return c.End - c.Start
}

// RenderWebVTT renders every segment of doc as a canonical WebVTT document.
// Unparseable timings are written as 00:00:00.000.
func RenderWebVTT(doc *parser.Document) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n")
	for _, seg := range doc.Segments() {
		writeCue(&b, seg)
	}
	return b.String()
}

// Split divides the timeline [0, total) into windows of target length. total
// is extended to cover the last segment end.
func Split(doc *parser.Document, total float64, target time.Duration) ([]Chunk, error) {
	if target <= 0 {
		return nil, fmt.Errorf("chunk duration must be positive, got %v", target)
	}
	total = math.Max(total, doc.End())
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return nil, fmt.Errorf("caption timeline length %v is not finite", total)
	}
	if total <= 0 {
		return nil, nil
	}

	step := target.Seconds()
	count := math.Ceil(total / step)
	if count > MaxChunks {
		return nil, fmt.Errorf("%.0f chunks of %v for %.3fs: %w", count, target, total, ErrTooManyChunks)
	}
	chunks := make([]Chunk, int(count))
	for i := range chunks {
		chunks[i] = Chunk{
			Index: i,
			Start: float64(i) * step,
			End:   math.Min(float64(i+1)*step, total),
		}
	}

	for idx, seg := range doc.Segments() {
		start, end := bounds(seg)
		for i := range chunks {
			if overlaps(chunks[i], start, end) {
				chunks[i].Segments = append(chunks[i].Segments, idx)
			}
		}
	}
	return chunks, nil
}

// SubtitlePlaylist encodes chunks as a closed VOD media playlist. uriPattern
// is a fmt pattern receiving the chunk index, such as "captions/%d.vtt".
func SubtitlePlaylist(chunks []Chunk, uriPattern string) (*m3u8.MediaPlaylist, error) {
	playlist, err := m3u8.NewMediaPlaylist(0, uint(len(chunks)))
	if err != nil {
		return nil, fmt.Errorf("failed to create subtitle playlist: %w", err)
	}

	for _, c := range chunks {
		if err := playlist.Append(fmt.Sprintf(uriPattern, c.Index), c.Duration(), ""); err != nil {
			return nil, fmt.Errorf("failed to append chunk %d: %w", c.Index, err)
		}
	}

	playlist.MediaType = m3u8.VOD
	playlist.Close()
	return playlist, nil
}

// RenderChunk renders the segments of one chunk as a WebVTT document with
// cue times relative to the start of the media.
func RenderChunk(doc *parser.Document, c Chunk) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n")
	b.WriteString(timestampMap + "\n")
	for _, idx := range c.Segments {
		if seg, ok := doc.Segment(idx); ok {
			writeCue(&b, seg)
		}
	}
	return b.String()
}

func writeCue(b *strings.Builder, seg segment.Segment) {
	start, end := bounds(seg)
	fmt.Fprintf(b, "\n%s --> %s\n", timecode.Format(start), timecode.Format(end))
	if seg.Text != "" {
		b.WriteString(seg.Text)
		b.WriteString("\n")
	}
}

func bounds(seg segment.Segment) (float64, float64) {
	start := seg.StartTime.Or(0)
	return start, seg.EndTime.Or(start)
}

func overlaps(c Chunk, start, end float64) bool {
	if start >= c.End {
		return false
	}
	return end > c.Start || start >= c.Start
}
