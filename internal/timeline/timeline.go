// Package timeline builds the edit description consumed by the embedded
// editor SDK and the render API. BuildEdit is deterministic and performs no
// network calls; the project remains the source of truth and the edit is a
// projection rebuilt on demand.
package timeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"clipline/internal/domain"
)

// Edit is the interchange JSON between this service, the editor SDK and the
// render endpoint.
type Edit struct {
	Timeline Timeline `json:"timeline"`
	Output   Output   `json:"output"`
}

type Timeline struct {
	Tracks []Track `json:"tracks"`
}

type Track struct {
	Clips []Clip `json:"clips"`
}

type Clip struct {
	Asset  Asset   `json:"asset"`
	Start  float64 `json:"start"`
	Length float64 `json:"length"`
}

type Asset struct {
	Type string `json:"type" enum:"text,image,audio,video"`
	Src  string `json:"src,omitempty"`
	Text string `json:"text,omitempty"`
}

type Output struct {
	Size   Size   `json:"size"`
	Format string `json:"format"`
}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

const (
	sceneClipLength     = 3.0
	moodboardClipLength = 3.0
	assetClipLength     = 5.0

	// Start-time spacing per source category. Tracks from different
	// categories are laid out independently and may overlap in time;
	// the editor stacks them visually instead.
	sceneSpacing     = 3.0
	moodboardSpacing = 2.0
	assetSpacing     = 5.0
)

// BuildEdit maps a project's script, voiceovers, moodboard and scene assets
// into tracks. An empty project yields a single placeholder text track so the
// editor never loads a structurally empty edit.
func BuildEdit(p domain.Project) Edit {
	var tracks []Track

	if p.Script != nil {
		for i, scene := range p.Script.Scenes {
			text := scene.OnScreenText
			if text == "" {
				text = scene.Visual
			}
			if text == "" {
				continue
			}
			tracks = append(tracks, textTrack(text, float64(i)*sceneSpacing, sceneClipLength))
		}
	}

	for _, i := range sortedIndexKeys(p.VoiceoverURLs) {
		tracks = append(tracks, Track{Clips: []Clip{{
			Asset:  Asset{Type: "audio", Src: p.VoiceoverURLs[strconv.Itoa(i)]},
			Start:  float64(i) * sceneSpacing,
			Length: sceneClipLength,
		}}})
	}

	for i, url := range p.Moodboard {
		if url == "" {
			continue
		}
		tracks = append(tracks, Track{Clips: []Clip{{
			Asset:  Asset{Type: "image", Src: url},
			Start:  float64(i) * moodboardSpacing,
			Length: moodboardClipLength,
		}}})
	}

	for i, key := range sortedKeys(p.Assets) {
		asset := p.Assets[key]
		start := float64(i) * assetSpacing
		if asset.VisualURL != "" {
			tracks = append(tracks, Track{Clips: []Clip{{
				Asset:  Asset{Type: "image", Src: asset.VisualURL},
				Start:  start,
				Length: assetClipLength,
			}}})
		}
		if asset.VoiceoverURL != "" {
			tracks = append(tracks, Track{Clips: []Clip{{
				Asset:  Asset{Type: "audio", Src: asset.VoiceoverURL},
				Start:  start,
				Length: assetClipLength,
			}}})
		}
	}

	if len(tracks) == 0 {
		title := p.Title
		if title == "" {
			title = "Your video"
		}
		tracks = append(tracks, textTrack(title, 0, sceneClipLength))
	}

	return Edit{
		Timeline: Timeline{Tracks: tracks},
		Output: Output{
			Size:   parseSize(p.VideoSize),
			Format: "mp4",
		},
	}
}

func textTrack(text string, start, length float64) Track {
	return Track{Clips: []Clip{{
		Asset:  Asset{Type: "text", Text: text},
		Start:  start,
		Length: length,
	}}}
}

// sortedIndexKeys returns the numeric keys of a scene-index map in order,
// skipping keys that do not parse or map to empty values.
func sortedIndexKeys(m map[string]string) []int {
	var keys []int
	for k, v := range m {
		if v == "" {
			continue
		}
		i, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		keys = append(keys, i)
	}
	sort.Ints(keys)
	return keys
}

func sortedKeys(m map[string]domain.SceneAsset) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseSize accepts "WIDTHxHEIGHT"; anything else falls back to 1080x1920.
func parseSize(s string) Size {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) == 2 {
		var w, h int
		if _, err := fmt.Sscanf(parts[0]+" "+parts[1], "%d %d", &w, &h); err == nil && w > 0 && h > 0 {
			return Size{Width: w, Height: h}
		}
	}
	return Size{Width: 1080, Height: 1920}
}
