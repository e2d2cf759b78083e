// Package score computes heuristic quality scores for display. Scores are
// derived on demand and never treated as authoritative state.
package score

import (
	"math"
	"strings"

	"clipline/internal/domain"
)

// Compute returns script/visual/viral scores in [0,10] and an overall value
// equal to round((script+visual+viral)/3).
func Compute(p domain.Project) domain.QualityScore {
	s := domain.QualityScore{
		Script: scriptScore(p.Script),
		Visual: visualScore(p),
		Viral:  viralScore(p.Script),
	}
	s.Overall = clamp(int(math.Round(float64(s.Script+s.Visual+s.Viral) / 3.0)))
	return s
}

func scriptScore(s *domain.Script) int {
	if s == nil {
		return 0
	}
	score := 0
	n := len(s.Scenes)
	switch {
	case n >= 3 && n <= 8:
		score += 4
	case n > 0:
		score += 2
	}
	withVoiceover := 0
	for _, sc := range s.Scenes {
		if strings.TrimSpace(sc.Voiceover) != "" {
			withVoiceover++
		}
	}
	if n > 0 && withVoiceover == n {
		score += 3
	} else if withVoiceover > 0 {
		score += 1
	}
	if strings.TrimSpace(s.CTA) != "" {
		score += 2
	}
	if len(s.Hooks) > 0 {
		score += 1
	}
	return clamp(score)
}

func visualScore(p domain.Project) int {
	s := p.Script
	if s == nil {
		return 0
	}
	score := 0
	withVisual := 0
	withStoryboard := 0
	for _, sc := range s.Scenes {
		if strings.TrimSpace(sc.Visual) != "" {
			withVisual++
		}
		if sc.StoryboardImageURL != "" {
			withStoryboard++
		}
	}
	n := len(s.Scenes)
	if n > 0 && withVisual == n {
		score += 4
	} else if withVisual > 0 {
		score += 2
	}
	if n > 0 && withStoryboard == n {
		score += 4
	} else if withStoryboard > 0 {
		score += 2
	}
	if len(p.Moodboard) > 0 {
		score += 2
	}
	return clamp(score)
}

func viralScore(s *domain.Script) int {
	if s == nil {
		return 0
	}
	score := 0
	hook := s.SelectedHook()
	if hook == "" && len(s.Hooks) > 0 {
		hook = s.Hooks[0]
	}
	words := len(strings.Fields(hook))
	switch {
	case words >= 4 && words <= 12:
		score += 4
	case words > 0:
		score += 2
	}
	if len(s.Hooks) >= 3 {
		score += 2
	}
	// Short, punchy scripts travel better on feed platforms.
	if n := len(s.Scenes); n >= 3 && n <= 6 {
		score += 2
	}
	if strings.TrimSpace(s.CTA) != "" {
		score += 2
	}
	return clamp(score)
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}
